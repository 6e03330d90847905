package prometheus

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/cboxdk/worker-pool-manager/internal/api"
	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/metrics"
	"github.com/cboxdk/worker-pool-manager/internal/platform"
	"github.com/cboxdk/worker-pool-manager/internal/pool"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

type stubPool struct {
	status pool.Status
}

func (s *stubPool) Worker(id string) (pool.WorkerInfo, bool)         { return pool.WorkerInfo{}, false }
func (s *stubPool) WorkerHealth(id string) (pool.WorkerHealth, bool) { return pool.WorkerHealth{}, false }
func (s *stubPool) ActiveWorkers() []pool.WorkerInfo                 { return nil }
func (s *stubPool) HealthyWorkers() []pool.WorkerInfo                { return nil }
func (s *stubPool) DeadWorkers() []pool.DeadWorker                   { return nil }
func (s *stubPool) PendingRestarts() []pool.PendingRestart           { return nil }
func (s *stubPool) Status() pool.Status                              { return s.status }

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		BindAddress: "127.0.0.1:0",
		MetricsPath: "/metrics",
		HealthPath:  "/health",
		API: config.APIConfig{
			Enabled:     true,
			BasePath:    "/api/v1",
			MaxRequests: 100,
		},
	}
}

func newTestExporter(t *testing.T, cfg config.ServerConfig, opts ...Option) (*Exporter, *metrics.Collector) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	collector := metrics.NewCollector(config.MetricsConfig{HistorySize: 10, SampleTimeout: time.Second}, platform.NewMockProvider(2), logger)

	e, err := NewExporter(cfg, collector, logger, opts...)
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	return e, collector
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsEndpoint(t *testing.T) {
	sp := &stubPool{status: pool.Status{
		Active:        2,
		Pending:       1,
		TargetSize:    3,
		MaxSize:       8,
		OptimalSize:   3,
		TotalRestarts: 4,
		ByHealth:      map[string]int{"healthy": 2},
	}}
	e, collector := newTestExporter(t, testServerConfig(),
		WithPoolStatus(sp.Status),
		WithDroppedEvents(func() uint64 { return 3 }))
	collector.RegisterWorker("w-1", 42)

	e.ObserveEvent(types.WorkerEvent{Type: types.EventLifecycleError, Severity: types.SeverityError})
	e.ObserveEvent(types.WorkerEvent{Type: types.EventWorkerStarted})

	rec := get(t, e.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", rec.Code)
	}
	body := rec.Body.String()

	want := []string{
		`workerpool_workers 0`,
		`workerpool_worker_memory_bytes{worker_id="w-1"} 0`,
		`workerpool_pool_workers{state="active"} 2`,
		`workerpool_pool_workers{state="pending"} 1`,
		`workerpool_pool_target_size 3`,
		`workerpool_pool_restarts_total 4`,
		`workerpool_pool_workers_by_health{status="healthy"} 2`,
		`workerpool_pool_shutting_down 0`,
		`workerpool_lifecycle_events_total{severity="error",type="lifecycle_error"} 1`,
		`workerpool_lifecycle_events_total{severity="info",type="worker_started"} 1`,
		`workerpool_events_dropped_total 3`,
		`go_goroutines`,
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("metrics output missing %q", w)
		}
	}
}

func TestRunCountsEvents(t *testing.T) {
	e, _ := newTestExporter(t, testServerConfig())

	ch := make(chan types.WorkerEvent, 3)
	ch <- types.WorkerEvent{Type: types.EventWorkerDied, Severity: types.SeverityWarning}
	ch <- types.WorkerEvent{Type: types.EventWorkerDied, Severity: types.SeverityWarning}
	close(ch)

	if err := e.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	body := get(t, e.Handler(), "/metrics").Body.String()
	if !strings.Contains(body, `workerpool_lifecycle_events_total{severity="warning",type="worker_died"} 2`) {
		t.Errorf("expected two worker_died events in output")
	}
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthFunc
		wantStatus int
		wantBody   string
	}{
		{"no check", nil, http.StatusOK, `"status":"ok"`},
		{"passing check", func() error { return nil }, http.StatusOK, `"status":"ok"`},
		{"failing check", func() error { return errors.New("pool is shutting down") }, http.StatusServiceUnavailable, `"error":"pool is shutting down"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestExporter(t, testServerConfig(), WithHealth(tt.health))
			rec := get(t, e.Handler(), "/health")

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	e, _ := newTestExporter(t, testServerConfig())
	e.rateLimiter = rate.NewLimiter(0, 1)
	h := e.Handler()

	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}
	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	// health is never rate limited
	if rec := get(t, h, "/health"); rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestAPIMount(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		wantStatus int
	}{
		{"enabled", true, http.StatusOK},
		{"disabled", false, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServerConfig()
			cfg.API.Enabled = tt.enabled
			logger := zaptest.NewLogger(t)
			collector := metrics.NewCollector(config.MetricsConfig{HistorySize: 10}, platform.NewMockProvider(1), logger)
			srv := api.NewServer(logger, cfg.API.BasePath, &stubPool{status: pool.Status{ByHealth: map[string]int{}}}, collector, nil, "test")

			e, err := NewExporter(cfg, collector, logger, WithAPI(srv))
			if err != nil {
				t.Fatalf("NewExporter() error = %v", err)
			}

			rec := get(t, e.Handler(), "/api/v1/status")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestAPIRateLimit(t *testing.T) {
	cfg := testServerConfig()
	logger := zaptest.NewLogger(t)
	collector := metrics.NewCollector(config.MetricsConfig{HistorySize: 10}, platform.NewMockProvider(1), logger)
	srv := api.NewServer(logger, cfg.API.BasePath, &stubPool{}, collector, nil, "test")

	e, err := NewExporter(cfg, collector, logger, WithAPI(srv))
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	e.apiLimiter = rate.NewLimiter(0, 1)
	h := e.Handler()

	get(t, h, "/api/v1/cluster")
	rec := get(t, h, "/api/v1/cluster")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRootHandler(t *testing.T) {
	e, _ := newTestExporter(t, testServerConfig())
	h := e.Handler()

	rec := get(t, h, "/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `href="/metrics"`) {
		t.Errorf("root page = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	e, _ := newTestExporter(t, testServerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for e.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("exporter did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + e.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start() should fail while running")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	first, _ := newTestExporter(t, testServerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go first.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for first.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("exporter did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cfg := testServerConfig()
	cfg.BindAddress = first.Addr()
	second, _ := newTestExporter(t, cfg)
	if err := second.Start(context.Background()); err == nil {
		t.Fatal("Start() on a bound address should fail")
	}
}
