// Command dealsd serves the sponsorship deal escrow over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sponsorvault/observability/logging"
	telemetry "sponsorvault/observability/otel"
	"sponsorvault/services/dealsd"
	"sponsorvault/services/dealsd/config"
)

func main() {
	configFile := flag.String("config", "./dealsd.yaml", "Path to the configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, closer := logging.SetupWithOptions(logging.Options{
		Service:   "dealsd",
		Env:       cfg.Env,
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
	})
	defer closer.Close()
	slog.SetDefault(logger)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("dealsd", cfg.Env))
	if err != nil {
		logger.Error("init telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dealsd.Run(ctx, cfg, logger); err != nil {
		logger.Error("dealsd exited", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}
