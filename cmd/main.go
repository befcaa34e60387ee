package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloudpico-beam/internal/app"
	"cloudpico-beam/internal/config"
	"cloudpico-beam/internal/logging"
)

var version = "dev"
var appName = "cloudpico-beam"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the endpoint config file (JSON, or YAML by extension)")
	flag.StringVar(&configPath, "c", "", "shorthand for --config")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	ep, found, err := config.LoadEndpoint(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg, version, appName)
	slog.SetDefault(logger)

	slog.Info("starting",
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"log_level", cfg.LogLevel.String(),
	)
	if !found {
		slog.Warn("no endpoint config file, using defaults", "path", configPath, "endpoint", ep.String())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, ep, logger); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "err", err)
		os.Exit(1)
	}

	slog.Info("shutting down")
}
