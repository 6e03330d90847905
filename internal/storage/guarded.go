package storage

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// Guarded wraps a HistoryStore in a circuit breaker so a failing backend
// is skipped instead of slowing every collection tick
type Guarded struct {
	store   types.HistoryStore
	breaker *gobreaker.CircuitBreaker
}

// NewGuarded trips after cfg.MaxFailures consecutive failures and retries
// again after cfg.OpenTimeout
func NewGuarded(store types.HistoryStore, cfg config.BreakerConfig, logger *zap.Logger) *Guarded {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        "history-store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Guarded{store: store, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// State is the breaker's current state
func (g *Guarded) State() gobreaker.State {
	return g.breaker.State()
}

// Start is not guarded; a backend that cannot start is a configuration error
func (g *Guarded) Start(ctx context.Context) error {
	return g.store.Start(ctx)
}

func (g *Guarded) Stop(ctx context.Context) error {
	return g.store.Stop(ctx)
}

func (g *Guarded) SaveSnapshot(ctx context.Context, key string, snap types.Snapshot) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.store.SaveSnapshot(ctx, key, snap)
	})
	return err
}

func (g *Guarded) LoadHistory(ctx context.Context, key string, since time.Time, limit int) ([]types.Snapshot, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.store.LoadHistory(ctx, key, since, limit)
	})
	if err != nil {
		return nil, err
	}
	return out.([]types.Snapshot), nil
}

func (g *Guarded) Cleanup(ctx context.Context, cutoff time.Time) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.store.Cleanup(ctx, cutoff)
	})
	return err
}
