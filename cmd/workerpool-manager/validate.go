package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cboxdk/worker-pool-manager/internal/config"
)

var verbose bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration without starting the service",
	Long: `Load the configuration (file, defaults and WPM_* overrides) and report
every validation error with a suggested fix.

Examples:
  workerpool-manager validate
  workerpool-manager validate --config ./config.yaml --verbose`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateConfig(cmd.OutOrStdout())
	},
}

func init() {
	validateCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show current values next to each problem")
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(out io.Writer) error {
	if configPath == "" {
		fmt.Fprintln(out, "Validating zero-config mode with defaults")
	} else {
		fmt.Fprintf(out, "Validating configuration file: %s\n", configPath)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		var result *config.ValidationResult
		if errors.As(err, &result) {
			printValidationResults(out, result)
			return fmt.Errorf("configuration validation failed with %d error(s)", len(result.Errors))
		}
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	result := config.Validate(cfg)
	printValidationResults(out, result)
	printConfigurationSummary(out, cfg)

	fmt.Fprintln(out, "\nConfiguration validation completed successfully")
	return nil
}

func printValidationResults(out io.Writer, result *config.ValidationResult) {
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Fprintln(out, "Configuration passes all validation checks")
		return
	}

	section := func(title string, entries []config.ValidationError) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(out, "\n%s (%d):\n", title, len(entries))
		for i, e := range entries {
			fmt.Fprintf(out, "  %d. %s: %s\n", i+1, e.Field, e.Message)
			if e.Suggestion != "" {
				fmt.Fprintf(out, "     Fix: %s\n", e.Suggestion)
			}
			if verbose && e.Value != nil {
				fmt.Fprintf(out, "     Current value: %v\n", e.Value)
			}
		}
	}
	section("VALIDATION ERRORS", result.Errors)
	section("VALIDATION WARNINGS", result.Warnings)
}

func printConfigurationSummary(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "\nCONFIGURATION SUMMARY:")

	fmt.Fprintln(out, "Server:")
	fmt.Fprintf(out, "   Bind Address: %s\n", cfg.Server.BindAddress)
	fmt.Fprintf(out, "   Metrics Path: %s\n", cfg.Server.MetricsPath)
	fmt.Fprintf(out, "   Health Path:  %s\n", cfg.Server.HealthPath)
	if cfg.Server.API.Enabled {
		fmt.Fprintf(out, "   API:          %s (%d req/s)\n", cfg.Server.API.BasePath, cfg.Server.API.MaxRequests)
	} else {
		fmt.Fprintln(out, "   API:          disabled")
	}

	fmt.Fprintln(out, "Workers:")
	fmt.Fprintf(out, "   Count:   %s (max %d)\n", cfg.Workers.Count, cfg.Autoscaling.MaxWorkers)
	fmt.Fprintf(out, "   Command: %s %v\n", cfg.Workers.Command, cfg.Workers.Args)
	fmt.Fprintf(out, "   Batches: %d every %s, online within %s\n",
		cfg.Workers.BatchSize, cfg.Workers.BatchDelay, cfg.Workers.OnlineTimeout)
	if cfg.Workers.Resources.MaxMemoryMB > 0 {
		fmt.Fprintf(out, "   Memory ceiling: %d MB\n", cfg.Workers.Resources.MaxMemoryMB)
	}

	fmt.Fprintln(out, "Restart:")
	if cfg.Restart.RespawnEnabled() {
		fmt.Fprintf(out, "   Respawn: up to %d restarts, backoff %s..%s\n",
			cfg.Restart.MaxRestarts, cfg.Restart.BaseDelay, cfg.Restart.MaxDelay)
	} else {
		fmt.Fprintln(out, "   Respawn: disabled")
	}

	fmt.Fprintln(out, "Shutdown:")
	fmt.Fprintf(out, "   Timeout: %s (kill after %s)\n", cfg.Shutdown.Timeout, cfg.Shutdown.KillTimeout)

	fmt.Fprintln(out, "Autoscaling:")
	fmt.Fprintf(out, "   Bounds:  %d..%d workers\n", cfg.Autoscaling.MinWorkers, cfg.Autoscaling.MaxWorkers)
	fmt.Fprintf(out, "   Advice:  up above %.0f%% CPU, down below %.0f%% CPU and %.0f%% memory\n",
		cfg.Autoscaling.ScaleUpCPU, cfg.Autoscaling.ScaleDownCPU, cfg.Autoscaling.ScaleDownMemory)
	if cfg.Autoscaling.Enabled {
		fmt.Fprintf(out, "   Acting:  %d worker(s) per step, cooldown %s\n", cfg.Autoscaling.Step, cfg.Autoscaling.Cooldown)
	} else {
		fmt.Fprintln(out, "   Acting:  disabled (advice only)")
	}

	fmt.Fprintln(out, "Monitoring:")
	fmt.Fprintf(out, "   Health Interval:  %s\n", cfg.Monitoring.Interval)
	fmt.Fprintf(out, "   Collect Interval: %s (history %d)\n", cfg.Metrics.CollectInterval, cfg.Metrics.HistorySize)

	fmt.Fprintln(out, "Storage:")
	switch cfg.Storage.Backend {
	case config.StorageBackendSQLite:
		fmt.Fprintf(out, "   SQLite: %s (retention %s)\n", cfg.Storage.DatabasePath, cfg.Storage.Retention)
	case config.StorageBackendRedis:
		fmt.Fprintf(out, "   Redis: %s db %d (retention %s)\n", cfg.Storage.Redis.Addr, cfg.Storage.Redis.DB, cfg.Storage.Retention)
	default:
		fmt.Fprintln(out, "   none (history is kept in memory only)")
	}

	if cfg.Telemetry.Enabled {
		fmt.Fprintf(out, "Telemetry: enabled (%s exporter, %.1f%% sampled)\n",
			cfg.Telemetry.Exporter.Type, cfg.Telemetry.Sampling.Rate*100)
	} else {
		fmt.Fprintln(out, "Telemetry: disabled")
	}
}
