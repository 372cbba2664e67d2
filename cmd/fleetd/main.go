package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dokzlo13/fleetd/internal/app"
	"github.com/dokzlo13/fleetd/internal/config"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "Path to configuration file")
	logLevel := pflag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	once := pflag.Bool("once", false, "Load devices, run one poll cycle, print the summary and exit")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Setup logging
	setupLogging(cfg.Log.Level, cfg.Log.UseJSON, cfg.Log.Colors)

	log.Info().Str("config", *configPath).Msg("Starting fleetd")

	// Create application
	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if *once {
		os.Exit(runOnce(application, cfg))
	}

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	// Start the application
	if err := application.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}

	// Wait for shutdown
	application.Wait()

	// Graceful shutdown
	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
}

// runOnce polls every target a single time and returns the exit code.
func runOnce(application *app.App, cfg *config.Config) int {
	defer application.Stop()

	ctx, cancel := context.WithTimeout(app.SignalContext(), cfg.Poller.Interval.Duration())
	defer cancel()

	res, err := application.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Single poll failed")
		return 1
	}

	log.Info().
		Int("polled", res.Polled).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("Poll complete")

	if res.AuthErr != nil {
		log.Error().Err(res.AuthErr).Msg("Session expired")
		return 2
	}
	return 0
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
