package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cboxdk/worker-pool-manager/internal/config"
)

// Version is overridden at build time with -ldflags "-X main.Version=..."
var Version = "1.0.0-dev"

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "workerpool-manager",
	Short: "Supervise a pool of worker processes",
	Long: `Worker Pool Manager forks and supervises a pool of worker processes.

It sizes the pool from host resources, scores worker health, restarts
crashed workers with exponential backoff and shuts the pool down in three
phases. Metrics are exposed in Prometheus format and through a read-only
JSON API.

Settings come from a YAML file (--config) and WPM_* environment variables,
which may be loaded from a .env file.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnvFile,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file path (default: zero-config mode)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config and WPM_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "File of WPM_* overrides loaded into the environment")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Worker Pool Manager version %s\n", Version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnvFile loads the env file when present. A missing default file is
// fine; a missing file named explicitly is not.
func loadEnvFile(cmd *cobra.Command, args []string) error {
	if envFile == "" {
		return nil
	}
	err := godotenv.Load(envFile)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
		return nil
	}
	return fmt.Errorf("failed to load env file %s: %w", envFile, err)
}

// loadConfig reads the config file, or the defaults when none is given,
// then applies WPM_* and flag overrides and validates the result
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadDefault()
	} else {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}

	overrides := config.NewOverrides()
	if err := overrides.BindFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		return nil, err
	}
	if err := overrides.Apply(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	if result := config.Validate(cfg); !result.Valid {
		return nil, result
	}
	return cfg, nil
}

func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", cfg.Level)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapLevel)
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}
	return zc.Build()
}
