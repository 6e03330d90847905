package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cboxdk/worker-pool-manager/internal/config"
)

const exampleHeader = `# Worker Pool Manager configuration
#
# Every value below is the built-in default. workers.count accepts an
# integer or "auto"; autoscaling.max_workers 0 means twice the CPU count.
# WPM_* environment variables override these settings.

`

var outputPath string

var exampleConfigCmd = &cobra.Command{
	Use:   "example-config",
	Short: "Generate an example configuration file",
	Long: `Write a configuration file holding every default setting.

Examples:
  workerpool-manager example-config
  workerpool-manager example-config --output /etc/workerpool/config.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("file already exists: %s (use a different path or remove the existing file)", outputPath)
		}

		data, err := exampleConfig()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(outputPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Example configuration written to: %s\n", outputPath)
		fmt.Fprintf(cmd.OutOrStdout(), "Edit it, then check it with:\n  workerpool-manager validate --config %s\n", outputPath)
		return nil
	},
}

func init() {
	exampleConfigCmd.Flags().StringVarP(&outputPath, "output", "o", config.DefaultConfigPath, "Output file path")
	rootCmd.AddCommand(exampleConfigCmd)
}

// exampleConfig renders the default configuration as YAML
func exampleConfig() ([]byte, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, err
	}
	// host dependent; left for the loader to fill in
	cfg.Autoscaling.MaxWorkers = 0

	var buf bytes.Buffer
	buf.WriteString(exampleHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to render example config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
