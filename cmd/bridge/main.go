package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"mtbridge/internal/app"
	"mtbridge/internal/config"
	"mtbridge/pkg/logging"
	"mtbridge/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/bridge.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	mockMode := flag.Bool("mock", false, "Force the in-process mock manager backend")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mtbridge version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.System.LogLevel = *logLevel
	}
	if *mockMode {
		cfg.Manager.MockMode = true
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)
	defer logger.Sync()

	logger.Info("Starting mtbridge",
		"version", version,
		"stream_addr", cfg.Stream.BindAddress,
		"journal", cfg.Signals.JournalPath,
		"mock_mode", cfg.Manager.MockMode,
	)

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("mtbridge", version)
		if err != nil {
			logger.Warn("Telemetry setup failed, continuing without exporters", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Telemetry shutdown failed", "error", err)
				}
			}()
			logger.Info("Telemetry initialized", "metrics_port", cfg.Telemetry.MetricsPort)
		}
	}

	bridge, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to compose bridge", "error", err)
		os.Exit(1)
	}

	if err := bridge.Run(context.Background()); err != nil {
		logger.Error("Bridge stopped with error", "error", err)
		os.Exit(1)
	}
}
