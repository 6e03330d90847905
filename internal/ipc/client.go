package ipc

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Client is the worker side of the channel.
type Client struct {
	conn   *Conn
	id     string
	logger *zap.Logger

	drainOnce      sync.Once
	drain          chan struct{}
	disconnectOnce sync.Once
	disconnected   chan struct{}
}

// NewClient wraps an open connection.
func NewClient(conn *Conn, logger *zap.Logger) *Client {
	return &Client{
		conn:         conn,
		id:           os.Getenv(EnvWorkerID),
		logger:       logger,
		drain:        make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

// WorkerID is the id the manager assigned to this process.
func (c *Client) WorkerID() string { return c.id }

// Ready announces the worker as online and, if addr is set, listening.
func (c *Client) Ready(addr string) error {
	if err := c.conn.Send(Online{PID: os.Getpid()}); err != nil {
		return err
	}
	if addr == "" {
		return nil
	}
	return c.conn.Send(Listening{Address: addr})
}

// Send forwards any message to the manager.
func (c *Client) Send(msg Message) error { return c.conn.Send(msg) }

// ReportMetrics pushes a partial metrics update.
func (c *Client) ReportMetrics(update MetricsUpdate) error { return c.conn.Send(update) }

// ReportRequests replaces the manager's request counters for this worker.
func (c *Client) ReportRequests(stats RequestStats) error { return c.conn.Send(stats) }

// ReportHealth sends a self-assessed health score.
func (c *Client) ReportHealth(status string, score int) error {
	return c.conn.Send(HealthCheck{Status: status, Score: score})
}

// WarnMemory reports memory pressure as a fraction of the worker's limit.
func (c *Client) WarnMemory(message string, usage float64) error {
	return c.conn.Send(MemoryWarning{Message: message, Usage: usage})
}

// Drain is closed when the manager asks the worker to drain or disconnects.
func (c *Client) Drain() <-chan struct{} { return c.drain }

// Disconnected is closed once the manager closed its side of the channel.
func (c *Client) Disconnected() <-chan struct{} { return c.disconnected }

// Run reads control messages until the manager disconnects or ctx ends.
func (c *Client) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := c.conn.Receive()
			if err != nil {
				var decodeErr *DecodeError
				if errors.As(err, &decodeErr) {
					c.logger.Warn("Ignoring malformed control message", zap.Error(err))
					continue
				}
				errCh <- err
				return
			}
			if sd, ok := msg.(Shutdown); ok {
				c.logger.Info("Drain requested", zap.String("phase", sd.Phase))
				c.drainOnce.Do(func() { close(c.drain) })
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		c.drainOnce.Do(func() { close(c.drain) })
		c.disconnectOnce.Do(func() { close(c.disconnected) })
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

// Close releases the channel.
func (c *Client) Close() error { return c.conn.Close() }
