package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/cboxdk/worker-pool-manager/internal/api"
	"github.com/cboxdk/worker-pool-manager/internal/autoscaler"
	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/metrics"
	"github.com/cboxdk/worker-pool-manager/internal/platform"
	"github.com/cboxdk/worker-pool-manager/internal/pool"
	"github.com/cboxdk/worker-pool-manager/internal/prometheus"
	"github.com/cboxdk/worker-pool-manager/internal/storage"
	"github.com/cboxdk/worker-pool-manager/internal/supervisor"
	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

const (
	// storeTimeout bounds a single history write or read
	storeTimeout = 5 * time.Second

	// retentionInterval is how often stores without their own cleanup are pruned
	retentionInterval = time.Hour
)

var (
	// ErrNotRunning is reported by Health before Run and after it returns
	ErrNotRunning = errors.New("manager is not running")

	// ErrNoWorkers is reported by Health when the pool has nothing alive
	ErrNoWorkers = errors.New("no workers are active")
)

// Manager coordinates all system components
type Manager struct {
	config  *config.Config
	logger  *zap.Logger
	version string

	// customSpawner is set when workers are not forked through exec
	customSpawner bool

	pool      *pool.Pool
	collector *metrics.Collector
	exporter  *prometheus.Exporter
	api       *api.Server
	bus       *telemetry.Bus
	backend   *storage.Backend

	// autoscaler is nil unless autoscaling.enabled is set
	autoscaler *autoscaler.Autoscaler

	// Telemetry components
	telemetryService *telemetry.Service
	eventEmitter     *telemetry.EventEmitter

	// Internal state
	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

type options struct {
	spawner  supervisor.Spawner
	provider platform.Provider
	version  string
	custom   map[string]metrics.CustomMetricFunc
}

// Option customises a Manager
type Option func(*options)

// WithSpawner replaces the exec spawner used to fork workers
func WithSpawner(s supervisor.Spawner) Option {
	return func(o *options) { o.spawner = s }
}

// WithProvider replaces the gopsutil host provider
func WithProvider(p platform.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithCustomMetric registers a callback evaluated on every collection
func WithCustomMetric(name string, fn metrics.CustomMetricFunc) Option {
	return func(o *options) {
		if o.custom == nil {
			o.custom = make(map[string]metrics.CustomMetricFunc)
		}
		o.custom[name] = fn
	}
}

// WithVersion sets the version reported by the API
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// NewManager creates a new manager instance
func NewManager(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		o.provider = platform.NewHostProvider()
	}

	telemetryService, err := telemetry.NewService(cfg.Telemetry, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry service: %w", err)
	}
	tracer := telemetryService.GetTraceHelper()

	backend, err := storage.Open(cfg.Storage, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	m := &Manager{
		config:           cfg,
		logger:           logger,
		version:          o.version,
		customSpawner:    o.spawner != nil,
		backend:          backend,
		telemetryService: telemetryService,
		bus:              telemetry.NewBus(logger.Named("bus")),
	}

	collectorOpts := []metrics.Option{metrics.WithTracer(tracer)}
	for name, fn := range o.custom {
		collectorOpts = append(collectorOpts, metrics.WithCustomMetric(name, fn))
	}
	if backend != nil {
		collectorOpts = append(collectorOpts, metrics.WithSnapshotSink(m.persistSnapshot))
	}
	m.collector = metrics.NewCollector(cfg.Metrics, o.provider, logger.Named("metrics"), collectorOpts...)

	var eventStore telemetry.EventStorage
	if backend != nil {
		eventStore = backend.Events
	}
	m.eventEmitter = telemetry.NewEventEmitter(telemetryService, logger.Named("events"), eventStore)

	poolOpts := []pool.Option{pool.WithEvents(m.bus), pool.WithTracer(tracer)}
	if o.spawner != nil {
		poolOpts = append(poolOpts, pool.WithSpawner(o.spawner))
	}
	m.pool, err = pool.New(cfg, m.collector, o.provider, logger.Named("pool"), poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	if cfg.Autoscaling.Enabled {
		m.autoscaler, err = autoscaler.New(cfg.Autoscaling, m.pool, logger.Named("autoscaler"))
		if err != nil {
			return nil, fmt.Errorf("failed to create autoscaler: %w", err)
		}
	}

	// A typed nil would defeat the API's "no event store" check
	var eventReader api.EventReader
	if eventStore != nil {
		eventReader = m.eventEmitter
	}
	m.api = api.NewServer(logger.Named("api"), cfg.Server.API.BasePath, m.pool, m.collector, eventReader, o.version)

	m.exporter, err = prometheus.NewExporter(cfg.Server, m.collector, logger.Named("exporter"),
		prometheus.WithPoolStatus(m.pool.Status),
		prometheus.WithDroppedEvents(m.bus.Dropped),
		prometheus.WithAPI(m.api),
		prometheus.WithHealth(m.Health))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	return m, nil
}

// Run starts the manager and all its components and blocks until ctx is
// cancelled or a component fails
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager is already running")
	}
	m.running = true
	m.startTime = time.Now()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	// Perform pre-flight checks before starting any services
	if err := m.performPreflightChecks(); err != nil {
		return fmt.Errorf("pre-flight checks failed: %w", err)
	}

	if err := m.startStorage(ctx); err != nil {
		return err
	}
	defer m.stopStorage()

	if err := m.telemetryService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer m.stopTelemetry()

	// Subscribe before any worker can emit
	buffer := m.config.Monitoring.EventBuffer
	emitterEvents, unsubEmitter := m.bus.Subscribe(buffer)
	exporterEvents, unsubExporter := m.bus.Subscribe(buffer)
	logEvents, unsubLog := m.bus.Subscribe(buffer)
	defer func() {
		unsubEmitter()
		unsubExporter()
		unsubLog()
		m.bus.Close()
	}()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.logger.Info("Starting metrics collector")
		return m.collector.Start(gCtx)
	})

	g.Go(func() error {
		m.logger.Info("Starting Prometheus exporter")
		return m.exporter.Start(gCtx)
	})

	g.Go(func() error {
		return m.eventEmitter.Run(gCtx, emitterEvents)
	})

	g.Go(func() error {
		return m.exporter.Run(gCtx, exporterEvents)
	})

	g.Go(func() error {
		return m.processEvents(gCtx, logEvents)
	})

	if m.autoscaler != nil {
		scalingEvents, unsubScaling := m.bus.Subscribe(buffer)
		defer unsubScaling()
		g.Go(func() error {
			return m.autoscaler.Run(gCtx, scalingEvents)
		})
	}

	if m.backend != nil && m.config.Storage.Backend == config.StorageBackendRedis {
		g.Go(func() error {
			return m.pruneHistory(gCtx)
		})
	}

	g.Go(func() error {
		m.logger.Info("Starting worker pool")
		return m.pool.Start(gCtx)
	})

	m.logger.Info("Manager started",
		zap.Int("optimal_workers", m.pool.OptimalSize()),
		zap.Int("max_workers", m.pool.MaxSize()),
		zap.String("storage", m.config.Storage.Backend),
		zap.Duration("startup_time", time.Since(m.startTime)))

	err := g.Wait()

	if stopErr := m.collector.Stop(context.Background()); stopErr != nil {
		m.logger.Error("Failed to stop metrics collector", zap.Error(stopErr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Manager stopped with error", zap.Error(err))
		return err
	}

	m.logger.Info("Manager stopped gracefully")
	return nil
}

// Health reports whether the manager can serve: it must be running, not
// shutting down, and have at least one active or starting worker
func (m *Manager) Health() error {
	if !m.IsRunning() {
		return ErrNotRunning
	}
	status := m.pool.Status()
	if status.ShuttingDown {
		return pool.ErrShuttingDown
	}
	if status.Active == 0 && status.Pending == 0 {
		return ErrNoWorkers
	}
	return nil
}

// Pool returns the managed worker pool
func (m *Manager) Pool() *pool.Pool {
	return m.pool
}

// Collector returns the metrics collector
func (m *Manager) Collector() *metrics.Collector {
	return m.collector
}

// Addr returns the exporter's listen address once it is serving
func (m *Manager) Addr() string {
	return m.exporter.Addr()
}

// IsRunning returns true if the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) startStorage(ctx context.Context) error {
	if m.backend == nil {
		return nil
	}
	m.logger.Info("Starting storage backend", zap.String("backend", m.config.Storage.Backend))
	if err := m.backend.History.Start(ctx); err != nil {
		return fmt.Errorf("failed to start storage: %w", err)
	}
	m.restoreHistory(ctx)
	return nil
}

func (m *Manager) stopStorage() {
	if m.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.backend.History.Stop(ctx); err != nil {
		m.logger.Error("Failed to stop storage", zap.Error(err))
	}
}

func (m *Manager) stopTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultTelemetryShutdownTimeout)
	defer cancel()
	if err := m.telemetryService.Stop(ctx); err != nil {
		m.logger.Error("Failed to stop telemetry", zap.Error(err))
	}
}

// restoreHistory merges persisted cluster history into the collector.
// A failing store only costs history, so errors are logged.
func (m *Manager) restoreHistory(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	var since time.Time
	if m.config.Storage.Retention > 0 {
		since = time.Now().Add(-m.config.Storage.Retention)
	}
	snaps, err := m.backend.History.LoadHistory(ctx, types.ClusterHistoryKey, since, m.config.Metrics.HistorySize)
	if err != nil {
		m.logger.Warn("Failed to restore metrics history", zap.Error(err))
		return
	}
	restored := m.collector.MergeHistory(types.ClusterHistoryKey, snaps)
	m.logger.Info("Restored metrics history", zap.Int("snapshots", restored))
}

// persistSnapshot is the collector's snapshot sink
func (m *Manager) persistSnapshot(key string, snap types.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.backend.History.SaveSnapshot(ctx, key, snap); err != nil {
		m.logger.Debug("Failed to persist snapshot", zap.String("series", key), zap.Error(err))
	}
}

// pruneHistory applies the retention window to stores that do not clean
// up after themselves
func (m *Manager) pruneHistory(ctx context.Context) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cctx, cancel := context.WithTimeout(ctx, storeTimeout)
			err := m.backend.History.Cleanup(cctx, time.Now().Add(-m.config.Storage.Retention))
			cancel()
			if err != nil {
				m.logger.Warn("Failed to prune metrics history", zap.Error(err))
			}
		}
	}
}

// processEvents logs pool notifications at a level matching their severity
func (m *Manager) processEvents(ctx context.Context, events <-chan types.WorkerEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			fields := []zap.Field{
				zap.String("type", string(event.Type)),
				zap.String("worker_id", event.WorkerID),
				zap.String("message", event.Message),
			}
			if event.PID != 0 {
				fields = append(fields, zap.Int("pid", event.PID))
			}
			if event.Code != "" {
				fields = append(fields, zap.String("code", event.Code))
			}
			if ce := m.logger.Check(severityLevel(event.Severity), "Pool event"); ce != nil {
				ce.Write(fields...)
			}
		}
	}
}

func severityLevel(s types.Severity) zapcore.Level {
	switch s {
	case types.SeverityWarning:
		return zapcore.WarnLevel
	case types.SeverityError, types.SeverityCritical:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// performPreflightChecks validates system dependencies and configuration before startup
func (m *Manager) performPreflightChecks() error {
	m.logger.Info("Performing pre-flight checks")

	if m.config.Server.BindAddress != "" {
		if err := m.checkBindAddressAvailable(m.config.Server.BindAddress); err != nil {
			return fmt.Errorf("server bind address %s is not available: %w", m.config.Server.BindAddress, err)
		}
	}

	if err := m.checkWorkerCommand(); err != nil {
		return err
	}

	if err := m.validateStorageDirectories(); err != nil {
		return fmt.Errorf("storage directory validation failed: %w", err)
	}

	m.logger.Info("All pre-flight checks passed")
	return nil
}

// checkBindAddressAvailable checks if a bind address is available for binding
func (m *Manager) checkBindAddressAvailable(bindAddress string) error {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return fmt.Errorf("address is already in use or cannot be bound: %w", err)
	}
	listener.Close()

	return nil
}

// checkWorkerCommand resolves the worker binary. Skipped when a custom
// spawner is injected, since it may not exec anything.
func (m *Manager) checkWorkerCommand() error {
	if m.config.Workers.Command == "" || m.customSpawner {
		return nil
	}
	path, err := supervisor.ResolveCommand(m.config.Workers.Command)
	if err != nil {
		return fmt.Errorf("worker command %q: %w", m.config.Workers.Command, err)
	}
	m.logger.Info("Worker command resolved", zap.String("path", path))
	return nil
}

// validateStorageDirectories ensures the database directory exists and is writable
func (m *Manager) validateStorageDirectories() error {
	if m.config.Storage.Backend != config.StorageBackendSQLite {
		return nil
	}
	dbPath := m.config.Storage.DatabasePath
	if dbPath == "" || dbPath == ":memory:" {
		return nil
	}

	dbDir := filepath.Dir(dbPath)
	if dbDir == "." || dbDir == "" {
		return nil
	}
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %s: %w", dbDir, err)
	}

	// Test write permissions by creating a temporary file
	tempFile := filepath.Join(dbDir, ".write_test")
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("database directory is not writable: %s: %w", dbDir, err)
	}
	file.Close()
	os.Remove(tempFile)

	return nil
}
