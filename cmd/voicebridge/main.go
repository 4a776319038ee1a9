package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialgate/voicebridge/pkg/ai"
	"github.com/dialgate/voicebridge/pkg/bridge"
	"github.com/dialgate/voicebridge/pkg/calllog"
	"github.com/dialgate/voicebridge/pkg/config"
	"github.com/dialgate/voicebridge/pkg/logging"
)

func main() {
	configPath := flag.String("config", "settings.ini", "path to settings file")
	flag.Parse()

	log := logging.Component("main")

	settings, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load settings")
	}

	if err := logging.Setup(settings.LogLevel, settings.LogFile, settings.LogMaxSizeMB); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	var store *calllog.Store
	if settings.DatabaseDSN != "" {
		pool, err := pgxpool.New(context.Background(), settings.DatabaseDSN)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		defer pool.Close()
		store = calllog.NewStore(pool)
		log.Info("call record store enabled")
	}

	registry := bridge.NewRegistry()
	handlers := bridge.NewCallHandlers(
		registry,
		store,
		providerConfigs(settings),
		ai.Provider(settings.DefaultProvider),
		settings.PublicHost,
	)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Info("shutting down")
		registry.CloseAll()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.WithField("addr", settings.ListenAddr).Info("voicebridge listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server failed")
	}
}

// providerConfigs builds the per-provider base session configs from settings.
// Only providers with credentials are offered.
func providerConfigs(settings *config.Settings) bridge.ProviderConfigs {
	providers := bridge.ProviderConfigs{}

	if settings.OpenAI.APIKey != "" {
		providers[ai.ProviderOpenAI] = ai.Config{
			Provider:     ai.ProviderOpenAI,
			APIKey:       settings.OpenAI.APIKey,
			Model:        settings.OpenAI.Model,
			Voice:        settings.OpenAI.Voice,
			Instructions: settings.OpenAI.Instructions,
			Greeting:     settings.OpenAI.Greeting,
			Endpoint:     settings.OpenAI.Endpoint,
		}
	}
	if settings.Gemini.APIKey != "" {
		providers[ai.ProviderGemini] = ai.Config{
			Provider:     ai.ProviderGemini,
			APIKey:       settings.Gemini.APIKey,
			Model:        settings.Gemini.Model,
			Voice:        settings.Gemini.Voice,
			Instructions: settings.Gemini.Instructions,
			Greeting:     settings.Gemini.Greeting,
			Endpoint:     settings.Gemini.Endpoint,
		}
	}
	return providers
}
