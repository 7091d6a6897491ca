// Package main is the entry point for kvgate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/kvgate/internal/config"
	"github.com/vyrodovalexey/kvgate/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := loadAndValidateConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvgate: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(flags, cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting kvgate",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("backends", len(cfg.Backends)),
		observability.String("routing_mode", cfg.Routing.Mode),
		observability.String("failure_mode", cfg.Proxy.FailureMode),
	)

	app, err := newApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize kvgate", observability.Error(err))
	}

	if err := app.run(context.Background(), flags.configPath); err != nil {
		logger.Error("kvgate stopped with error", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("kvgate stopped")
}

// parseFlags parses command line flags; unset flags fall back to the
// environment.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	configPath := fs.String("config", getEnvOrDefault("KVGATE_CONFIG_PATH", "configs/kvgate.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("KVGATE_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	logFormat := fs.String("log-format", getEnvOrDefault("KVGATE_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("kvgate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger builds the logger from the configuration file, with flags
// taking precedence.
func initLogger(flags cliFlags, cfg config.LoggingConfig) (observability.Logger, error) {
	logCfg := observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}
	return observability.NewLogger(logCfg)
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
