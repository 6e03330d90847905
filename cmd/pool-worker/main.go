// Command pool-worker is a reference worker for workerpool-manager. It
// serves a small HTTP endpoint and reports metrics and health over the
// inherited IPC channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/ipc"
)

var (
	listenAddr  string
	interval    time.Duration
	memoryLimit int
)

var rootCmd = &cobra.Command{
	Use:   "pool-worker",
	Short: "Reference worker process for workerpool-manager",
	Long: `pool-worker must be started by workerpool-manager, which passes it the
IPC channel. It reports online, sends metrics every --interval and exits
when asked to drain.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runWorker,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:0", "HTTP listen address; empty disables the server")
	rootCmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Metrics report interval")
	rootCmd.Flags().IntVar(&memoryLimit, "memory-limit-mb", 0, "Warn the manager when RSS nears this limit (0 disables)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	conn, err := ipc.Inherited()
	if err != nil {
		return fmt.Errorf("no IPC channel (is this process started by workerpool-manager?): %w", err)
	}

	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{"stderr"}
	logger, err := zc.Build(zap.Fields(zap.Int("pid", os.Getpid())))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	client := ipc.NewClient(conn, logger)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return newWorker(client, logger, interval, memoryLimit).run(ctx, listenAddr)
}
