// Package storage persists metrics history and lifecycle events so they
// survive supervisor restarts.
package storage

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// ErrNotRunning is returned by stores used before Start or after Stop
var ErrNotRunning = errors.New("storage is not running")

// Backend is an opened storage backend
type Backend struct {
	// History is breaker-guarded
	History types.HistoryStore

	// Events is nil for backends without event persistence
	Events telemetry.EventStorage
}

// Open creates the configured backend. It returns a nil Backend for "none".
func Open(cfg config.StorageConfig, logger *zap.Logger) (*Backend, error) {
	var b Backend
	switch cfg.Backend {
	case config.StorageBackendNone:
		return nil, nil

	case config.StorageBackendSQLite:
		store, err := NewSQLiteStore(cfg, logger.Named("sqlite"))
		if err != nil {
			return nil, err
		}
		b.History = store
		b.Events = NewEventStore(store.DB(), logger.Named("events"))

	case config.StorageBackendRedis:
		b.History = NewRedisStore(cfg.Redis, logger.Named("redis"))

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	b.History = NewGuarded(b.History, cfg.Breaker, logger.Named("breaker"))
	return &b, nil
}
