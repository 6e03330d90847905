package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker pool manager",
	Long: `Start the manager: fork the worker pool, collect metrics and serve
the Prometheus endpoint and JSON API until interrupted.

Signals:
  SIGINT/SIGTERM    Graceful three-phase shutdown

Examples:
  workerpool-manager run
  workerpool-manager run --config /etc/workerpool/config.yaml
  WPM_WORKERS=8 workerpool-manager run --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runManager,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runManager(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if configPath == "" {
		logger.Info("Running in zero-config mode with defaults")
	}

	manager, err := app.NewManager(cfg, logger, app.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting Worker Pool Manager",
		zap.String("version", Version),
		zap.String("workers", cfg.Workers.Count.String()),
		zap.String("command", cfg.Workers.Command),
		zap.String("server_address", cfg.Server.BindAddress))

	if err := manager.Run(ctx); err != nil {
		return fmt.Errorf("manager stopped with error: %w", err)
	}

	logger.Info("Worker Pool Manager stopped")
	return nil
}
