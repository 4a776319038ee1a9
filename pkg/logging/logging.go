package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Setup configures the process-wide logger: console level and, when file is
// non-empty, an additional rotating log file.
func Setup(level, file string, maxSizeMB int) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	root.SetLevel(lvl)

	if file != "" {
		if maxSizeMB <= 0 {
			maxSizeMB = 100
		}
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: 3,
		}
		root.SetOutput(io.MultiWriter(os.Stderr, rotator))
	}
	return nil
}

// Component returns a logger entry tagged with a component name, e.g.
// "bridge" or "ai".
func Component(name string) *logrus.Entry {
	return root.WithField("component", name)
}
