package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/wudi/prefixgate/internal/config"
	"github.com/wudi/prefixgate/internal/gateway"
	"github.com/wudi/prefixgate/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("prefixgate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		if err := gateway.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	opts := logging.Options{Level: cfg.Logging.Level}
	if f := cfg.Logging.File; f.Enabled {
		opts.File = &logging.FileOptions{
			Path:       f.Path,
			MaxSize:    f.MaxSize,
			MaxBackups: f.MaxBackups,
			MaxAge:     f.MaxAge,
			Compress:   f.Compress,
		}
	}
	logger, closeLog := logging.New(opts)
	defer closeLog()
	logging.SetGlobal(logger)

	logging.Info("Starting prefixgate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("routes", len(cfg.Routes)),
	)

	ctx := context.Background()
	server, err := gateway.NewServer(ctx, cfg, *configPath)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		closeLog()
		os.Exit(1)
	}
}
