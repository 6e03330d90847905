package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// ConnectionPool wraps the database handle with periodic health checks
type ConnectionPool struct {
	db           *sql.DB
	healthTicker *time.Ticker
	done         chan struct{}
	stats        PoolStats
	mu           sync.RWMutex
	logger       *zap.Logger
	config       PoolConfig
}

// PoolConfig contains connection pool configuration
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	HealthInterval  time.Duration
}

// PoolStats tracks connection pool health
type PoolStats struct {
	OpenConnections    int
	IdleConnections    int
	WaitCount          int64
	HealthChecks       int64
	FailedHealthChecks int64
	LastHealthCheck    time.Time
}

func isMemoryDatabase(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// NewConnectionPool opens the database at path
func NewConnectionPool(path string, cfg PoolConfig, logger *zap.Logger) (*ConnectionPool, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_synchronous=NORMAL"
	if isMemoryDatabase(path) {
		dsn = path
		// every connection to :memory: is its own database
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 30 * time.Second
	}

	p := &ConnectionPool{
		db:     db,
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
		stats:  PoolStats{LastHealthCheck: time.Now()},
	}
	p.startHealthCheck()

	logger.Debug("Connection pool created",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime))

	return p, nil
}

func (p *ConnectionPool) startHealthCheck() {
	p.healthTicker = time.NewTicker(p.config.HealthInterval)
	go func() {
		for {
			select {
			case <-p.done:
				return
			case <-p.healthTicker.C:
				p.performHealthCheck()
			}
		}
	}()
}

func (p *ConnectionPool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.db.PingContext(ctx)
	dbStats := p.db.Stats()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.HealthChecks++
	p.stats.LastHealthCheck = time.Now()
	if err != nil {
		p.stats.FailedHealthChecks++
		p.logger.Error("Connection pool health check failed", zap.Error(err))
		return
	}
	p.stats.OpenConnections = dbStats.OpenConnections
	p.stats.IdleConnections = dbStats.Idle
	p.stats.WaitCount = dbStats.WaitCount
}

// Stats returns current pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Close stops health checks and closes the database
func (p *ConnectionPool) Close() error {
	p.healthTicker.Stop()
	close(p.done)
	return p.db.Close()
}

// SQLiteStore persists metrics history and events in SQLite
type SQLiteStore struct {
	config config.StorageConfig
	logger *zap.Logger
	pool   *ConnectionPool

	mu            sync.RWMutex
	running       bool
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// NewSQLiteStore opens the database and creates the schema
func NewSQLiteStore(cfg config.StorageConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if !isMemoryDatabase(cfg.DatabasePath) {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	pool, err := NewConnectionPool(cfg.DatabasePath, PoolConfig{
		MaxOpenConns:    cfg.ConnectionPool.MaxOpenConns,
		MaxIdleConns:    cfg.ConnectionPool.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnectionPool.ConnMaxLifetime,
	}, logger.Named("connection-pool"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	s := &SQLiteStore{config: cfg, logger: logger, pool: pool}
	if err := s.initSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Start begins the retention cleanup loop
func (s *SQLiteStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("storage is already running")
	}
	s.running = true

	s.logger.Info("Starting SQLite storage backend",
		zap.String("database_path", s.config.DatabasePath),
		zap.Duration("retention", s.config.Retention))

	s.cleanupTicker = time.NewTicker(time.Hour)
	s.stopCleanup = make(chan struct{})
	go s.cleanupLoop(ctx, s.cleanupTicker, s.stopCleanup)
	return nil
}

// Stop closes the database. The store cannot be restarted.
func (s *SQLiteStore) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cleanupTicker.Stop()
	close(s.stopCleanup)
	s.mu.Unlock()

	s.logger.Info("Stopping SQLite storage backend")
	return s.pool.Close()
}

// DB exposes the handle shared with the event store
func (s *SQLiteStore) DB() *sql.DB {
	return s.pool.db
}

// PoolStats returns connection pool statistics
func (s *SQLiteStore) PoolStats() PoolStats {
	return s.pool.Stats()
}

func (s *SQLiteStore) db() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	return s.pool.db, nil
}

// SaveSnapshot appends one history point under key
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, key string, snap types.Snapshot) error {
	db, err := s.db()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO history (series, timestamp, cpu, memory, requests, errors, response_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, snap.Timestamp.UnixNano(), snap.CPU, snap.Memory,
		int64(snap.Requests), int64(snap.Errors), snap.ResponseTime)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// LoadHistory returns snapshots newer than since, oldest first, keeping
// the newest limit when limit > 0
func (s *SQLiteStore) LoadHistory(ctx context.Context, key string, since time.Time, limit int) ([]types.Snapshot, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}

	query := `SELECT timestamp, cpu, memory, requests, errors, response_time
		FROM history WHERE series = ? AND timestamp > ? ORDER BY timestamp DESC`
	args := []interface{}{key, sinceNanos(since)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []types.Snapshot
	for rows.Next() {
		var (
			ts               int64
			requests, errors int64
			snap             types.Snapshot
		)
		if err := rows.Scan(&ts, &snap.CPU, &snap.Memory, &requests, &errors, &snap.ResponseTime); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Timestamp = time.Unix(0, ts).UTC()
		snap.Requests = uint64(requests)
		snap.Errors = uint64(errors)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	reverse(out)
	return out, nil
}

// Cleanup removes history and events older than cutoff
func (s *SQLiteStore) Cleanup(ctx context.Context, cutoff time.Time) error {
	db, err := s.db()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, "DELETE FROM history WHERE timestamp < ?", cutoff.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to cleanup history: %w", err)
	}
	historyRows, _ := res.RowsAffected()

	res, err = db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", cutoff.UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup events: %w", err)
	}
	eventRows, _ := res.RowsAffected()

	s.logger.Info("Cleaned up expired records",
		zap.Int64("history_deleted", historyRows),
		zap.Int64("events_deleted", eventRows),
		zap.Time("cutoff", cutoff))
	return nil
}

func (s *SQLiteStore) cleanupLoop(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx, time.Now().Add(-s.config.Retention)); err != nil {
				s.logger.Error("Cleanup failed", zap.Error(err))
			}
		}
	}
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history (
		series TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		cpu REAL NOT NULL,
		memory REAL NOT NULL,
		requests INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		response_time REAL NOT NULL,
		PRIMARY KEY (series, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history(timestamp);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		worker_id TEXT,
		code TEXT,
		summary TEXT NOT NULL,
		details TEXT NOT NULL,
		correlation_id TEXT,
		severity TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
	`

	if _, err := s.pool.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.logger.Debug("Database schema initialized")
	return nil
}

func sinceNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func reverse(s []types.Snapshot) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
