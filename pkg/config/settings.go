package config

import (
	"fmt"

	ini "gopkg.in/ini.v1"
)

// ProviderSettings is the per-provider session configuration.
type ProviderSettings struct {
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	Greeting     string
	Endpoint     string
}

// Settings holds daemon configuration loaded from settings.ini.
type Settings struct {
	ListenAddr      string
	PublicHost      string
	DefaultProvider string

	OpenAI ProviderSettings
	Gemini ProviderSettings

	DatabaseDSN string

	LogLevel     string
	LogFile      string
	LogMaxSizeMB int
}

// Load reads configuration from an ini file and validates required fields.
func Load(path string) (*Settings, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return parse(cfg)
}

func parse(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("server")
	s.ListenAddr = sec.Key("listen").MustString(":8080")
	s.PublicHost = sec.Key("public_host").String()
	s.DefaultProvider = sec.Key("default_provider").MustString("openai")

	sec = cfg.Section("openai")
	s.OpenAI.APIKey = sec.Key("api_key").String()
	s.OpenAI.Model = sec.Key("model").String()
	s.OpenAI.Voice = sec.Key("voice").String()
	s.OpenAI.Instructions = sec.Key("instructions").String()
	s.OpenAI.Greeting = sec.Key("greeting").String()
	s.OpenAI.Endpoint = sec.Key("endpoint").String()

	sec = cfg.Section("gemini")
	s.Gemini.APIKey = sec.Key("api_key").String()
	s.Gemini.Model = sec.Key("model").String()
	s.Gemini.Voice = sec.Key("voice").String()
	s.Gemini.Instructions = sec.Key("instructions").String()
	s.Gemini.Greeting = sec.Key("greeting").String()
	s.Gemini.Endpoint = sec.Key("endpoint").String()

	sec = cfg.Section("database")
	s.DatabaseDSN = sec.Key("dsn").String()

	sec = cfg.Section("logging")
	s.LogLevel = sec.Key("level").MustString("info")
	s.LogFile = sec.Key("file").String()
	s.LogMaxSizeMB = sec.Key("max_size_mb").MustInt(100)

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	switch s.DefaultProvider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown default_provider %q", s.DefaultProvider)
	}

	if s.OpenAI.APIKey == "" && s.Gemini.APIKey == "" {
		return fmt.Errorf("no provider configured: set openai.api_key or gemini.api_key")
	}
	return nil
}
