package prometheus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cboxdk/worker-pool-manager/internal/api"
	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/metrics"
	"github.com/cboxdk/worker-pool-manager/internal/pool"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// Namespace prefixes every exported metric
const Namespace = "workerpool"

// HealthFunc reports why the manager is not ready, or nil
type HealthFunc func() error

// rateLimitMiddleware provides rate limiting for the metrics endpoint
func (e *Exporter) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.rateLimiter.Allow() {
			e.logger.Warn("Rate limit exceeded",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()))

			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// apiRateLimitMiddleware provides rate limiting for API endpoints
func (e *Exporter) apiRateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			e.logger.Warn("API rate limit exceeded",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.String("path", r.URL.Path))

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":"rate_limited","message":"API rate limit exceeded","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Exporter serves /metrics, /health and the query API on one listener
type Exporter struct {
	config config.ServerConfig
	logger *zap.Logger

	server   *http.Server
	listener net.Listener
	api      *api.Server
	health   HealthFunc

	registry    *prometheus.Registry
	rateLimiter *rate.Limiter
	apiLimiter  *rate.Limiter

	lifecycleEvents *prometheus.CounterVec
	eventsDropped   prometheus.CounterFunc

	mu      sync.RWMutex
	running bool
}

// Option customises an Exporter
type Option func(*Exporter)

// WithPoolStatus exports pool state read from fn at scrape time
func WithPoolStatus(fn func() pool.Status) Option {
	return func(e *Exporter) {
		e.registry.MustRegister(newPoolCollector(fn))
	}
}

// WithDroppedEvents exports the event bus drop counter
func WithDroppedEvents(fn func() uint64) Option {
	return func(e *Exporter) {
		e.eventsDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_dropped_total",
			Help:      "Pool events dropped because a subscriber was slow",
		}, func() float64 { return float64(fn()) })
		e.registry.MustRegister(e.eventsDropped)
	}
}

// WithAPI mounts the query API under its base path
func WithAPI(srv *api.Server) Option {
	return func(e *Exporter) { e.api = srv }
}

// WithHealth makes /health report the result of fn
func WithHealth(fn HealthFunc) Option {
	return func(e *Exporter) { e.health = fn }
}

// NewExporter creates a Prometheus exporter for collector
func NewExporter(cfg config.ServerConfig, collector *metrics.Collector, logger *zap.Logger, opts ...Option) (*Exporter, error) {
	registry := prometheus.NewRegistry()

	apiRate := cfg.API.MaxRequests
	if apiRate <= 0 {
		apiRate = config.DefaultRateLimit
	}

	e := &Exporter{
		config:      cfg,
		logger:      logger.Named("exporter"),
		registry:    registry,
		rateLimiter: rate.NewLimiter(config.DefaultRateLimit, config.BurstLimit),
		apiLimiter:  rate.NewLimiter(rate.Limit(apiRate), apiRate*2),
	}

	if err := e.initMetrics(collector); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Exporter) initMetrics(collector *metrics.Collector) error {
	e.lifecycleEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "lifecycle_events_total",
		Help:      "Pool lifecycle events by type and severity",
	}, []string{"type", "severity"})

	for _, c := range []prometheus.Collector{
		metrics.NewPrometheusCollector(collector, Namespace),
		e.lifecycleEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: Namespace}),
	} {
		if err := e.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Registry exposes the registry for additional collectors
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// ObserveEvent counts a pool event
func (e *Exporter) ObserveEvent(event types.WorkerEvent) {
	severity := event.Severity
	if severity == "" {
		severity = types.SeverityInfo
	}
	e.lifecycleEvents.WithLabelValues(string(event.Type), string(severity)).Inc()
}

// Run counts events from ch until it closes or ctx is done
func (e *Exporter) Run(ctx context.Context, ch <-chan types.WorkerEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			e.ObserveEvent(ev)
		}
	}
}

// Handler builds the HTTP handler tree
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()

	metricsHandler := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(e.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})
	mux.Handle(e.config.MetricsPath, e.rateLimitMiddleware(metricsHandler))

	mux.HandleFunc("/", e.rootHandler)
	mux.HandleFunc(e.config.HealthPath, e.healthHandler)

	if e.config.API.Enabled && e.api != nil {
		e.logger.Info("Enabling REST API endpoints", zap.String("base_path", e.api.BasePath()))
		mux.Handle(e.api.BasePath()+"/", e.apiRateLimitMiddleware(e.apiLimiter, e.api.Handler()))
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts the server down
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("exporter is already running")
	}

	ln, err := net.Listen("tcp", e.config.BindAddress)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", e.config.BindAddress, err)
	}
	e.listener = ln
	e.server = &http.Server{
		Handler:      e.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	e.running = true
	server := e.server
	e.mu.Unlock()

	e.logger.Info("Starting Prometheus exporter",
		zap.String("bind_address", ln.Addr().String()),
		zap.String("metrics_path", e.config.MetricsPath))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			e.logger.Error("HTTP server failed", zap.Error(err))
			e.markStopped()
			return fmt.Errorf("metrics server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Stop(shutdownCtx); err != nil {
		e.logger.Error("Server shutdown failed", zap.Error(err))
		return err
	}

	e.logger.Info("Prometheus exporter stopped")
	return nil
}

// Stop halts the metrics server
func (e *Exporter) Stop(ctx context.Context) error {
	server := e.markStopped()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (e *Exporter) markStopped() *http.Server {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	return e.server
}

// Addr is the bound listen address, empty before Start
func (e *Exporter) Addr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// rootHandler handles the root path
func (e *Exporter) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	apiLink := ""
	if e.config.API.Enabled && e.api != nil {
		apiLink = fmt.Sprintf(`<p><a href="%s/status">Pool status</a></p>`, e.api.BasePath())
	}
	fmt.Fprintf(w, `<html>
<head><title>Worker Pool Manager</title></head>
<body>
<h1>Worker Pool Manager</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="%s">Health</a></p>
%s
</body>
</html>`, e.config.MetricsPath, e.config.HealthPath, apiLink)
}

type healthBody struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// healthHandler handles health checks
func (e *Exporter) healthHandler(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	code := http.StatusOK
	if e.health != nil {
		if err := e.health(); err != nil {
			body.Status = "unavailable"
			body.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		e.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

// poolCollector reads pool state at scrape time
type poolCollector struct {
	status func() pool.Status

	workers         *prometheus.Desc
	targetSize      *prometheus.Desc
	maxSize         *prometheus.Desc
	optimalSize     *prometheus.Desc
	restarts        *prometheus.Desc
	pendingRestarts *prometheus.Desc
	shuttingDown    *prometheus.Desc
	byHealth        *prometheus.Desc
}

func newPoolCollector(fn func() pool.Status) *poolCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "pool", name), help, labels, nil)
	}
	return &poolCollector{
		status:          fn,
		workers:         desc("workers", "Workers by lifecycle state", "state"),
		targetSize:      desc("target_size", "Requested pool size"),
		maxSize:         desc("max_size", "Upper bound on pool size"),
		optimalSize:     desc("optimal_size", "Pool size derived from host resources"),
		restarts:        desc("restarts_total", "Workers restarted since startup"),
		pendingRestarts: desc("pending_restarts", "Restarts waiting for their backoff"),
		shuttingDown:    desc("shutting_down", "1 once graceful shutdown has begun"),
		byHealth:        desc("workers_by_health", "Active workers by health status", "status"),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.workers, c.targetSize, c.maxSize, c.optimalSize,
		c.restarts, c.pendingRestarts, c.shuttingDown, c.byHealth,
	} {
		ch <- d
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.status()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(c.workers, float64(st.Active), string(types.WorkerStateActive))
	gauge(c.workers, float64(st.Pending), string(types.WorkerStatePending))
	gauge(c.workers, float64(st.Draining), string(types.WorkerStateDraining))
	gauge(c.workers, float64(st.Dead), string(types.WorkerStateDead))
	gauge(c.targetSize, float64(st.TargetSize))
	gauge(c.maxSize, float64(st.MaxSize))
	gauge(c.optimalSize, float64(st.OptimalSize))
	ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(st.TotalRestarts))
	gauge(c.pendingRestarts, float64(st.PendingRestarts))
	shutting := 0.0
	if st.ShuttingDown {
		shutting = 1
	}
	gauge(c.shuttingDown, shutting)
	for status, n := range st.ByHealth {
		gauge(c.byHealth, float64(n), status)
	}
}
