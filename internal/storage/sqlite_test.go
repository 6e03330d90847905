package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap/zaptest"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

func testStorageConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		Backend:      config.StorageBackendSQLite,
		DatabasePath: filepath.Join(t.TempDir(), "history.db"),
		Retention:    time.Hour,
		ConnectionPool: config.ConnectionPoolConfig{
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
		},
	}
}

func startedStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(testStorageConfig(t), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start store: %v", err)
	}
	t.Cleanup(func() { store.Stop(context.Background()) })
	return store
}

func snapshotAt(ts time.Time, requests uint64) types.Snapshot {
	return types.Snapshot{Timestamp: ts, CPU: 12.5, Memory: 40, Requests: requests, Errors: requests / 10, ResponseTime: 8}
}

func TestNewSQLiteStore(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"flat path", filepath.Join(dir, "test.db")},
		{"nested directory path", filepath.Join(dir, "nested", "dir", "test.db")},
		{"in memory", ":memory:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testStorageConfig(t)
			cfg.DatabasePath = tt.path

			store, err := NewSQLiteStore(cfg, logger)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if store.DB() == nil {
				t.Error("Expected database handle")
			}
			if err := store.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			if err := store.Stop(context.Background()); err != nil {
				t.Errorf("Stop failed: %v", err)
			}
		})
	}
}

func TestSQLiteStoreStartStop(t *testing.T) {
	store, err := NewSQLiteStore(testStorageConfig(t), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	ctx := context.Background()

	if err := store.SaveSnapshot(ctx, types.ClusterHistoryKey, snapshotAt(time.Now(), 1)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning before start, got %v", err)
	}

	if err := store.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := store.Start(ctx); err == nil {
		t.Error("Expected error starting twice")
	}

	if err := store.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := store.Stop(ctx); err != nil {
		t.Errorf("Second stop should be a no-op, got %v", err)
	}
	if _, err := store.LoadHistory(ctx, types.ClusterHistoryKey, time.Time{}, 0); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning after stop, got %v", err)
	}
}

func TestSQLiteHistory(t *testing.T) {
	store := startedStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := store.SaveSnapshot(ctx, types.ClusterHistoryKey, snapshotAt(base.Add(time.Duration(i)*time.Minute), uint64(i*10))); err != nil {
			t.Fatalf("SaveSnapshot %d failed: %v", i, err)
		}
	}
	if err := store.SaveSnapshot(ctx, "worker-a", snapshotAt(base, 99)); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	// same series and timestamp replaces
	if err := store.SaveSnapshot(ctx, types.ClusterHistoryKey, snapshotAt(base, 7)); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	tests := []struct {
		name      string
		key       string
		since     time.Time
		limit     int
		wantCount int
		wantFirst uint64
		wantLast  uint64
	}{
		{"all", types.ClusterHistoryKey, time.Time{}, 0, 5, 7, 40},
		{"newest two", types.ClusterHistoryKey, time.Time{}, 2, 2, 30, 40},
		{"since excludes boundary", types.ClusterHistoryKey, base.Add(2 * time.Minute), 0, 2, 30, 40},
		{"other series", "worker-a", time.Time{}, 0, 1, 99, 99},
		{"unknown series", "worker-b", time.Time{}, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.LoadHistory(ctx, tt.key, tt.since, tt.limit)
			if err != nil {
				t.Fatalf("LoadHistory failed: %v", err)
			}
			if len(got) != tt.wantCount {
				t.Fatalf("Expected %d snapshots, got %d", tt.wantCount, len(got))
			}
			if tt.wantCount == 0 {
				return
			}
			if got[0].Requests != tt.wantFirst || got[len(got)-1].Requests != tt.wantLast {
				t.Errorf("Expected requests %d..%d, got %d..%d",
					tt.wantFirst, tt.wantLast, got[0].Requests, got[len(got)-1].Requests)
			}
			for i := 1; i < len(got); i++ {
				if !got[i].Timestamp.After(got[i-1].Timestamp) {
					t.Errorf("Snapshots not in ascending order at %d", i)
				}
			}
		})
	}

	all, _ := store.LoadHistory(ctx, types.ClusterHistoryKey, time.Time{}, 1)
	if !all[0].Timestamp.Equal(base.Add(4*time.Minute)) || all[0].CPU != 12.5 || all[0].Errors != 4 {
		t.Errorf("Snapshot fields not preserved: %+v", all[0])
	}
}

func TestSQLiteCleanup(t *testing.T) {
	store := startedStore(t)
	events := NewEventStore(store.DB(), zaptest.NewLogger(t))
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		if err := store.SaveSnapshot(ctx, types.ClusterHistoryKey, snapshotAt(ts, uint64(i))); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
		if err := events.StoreEvent(ctx, telemetry.Event{
			ID: ts.String(), Type: types.EventWorkerStarted, Timestamp: ts, Summary: "started", Severity: telemetry.SeverityInfo,
		}); err != nil {
			t.Fatalf("StoreEvent failed: %v", err)
		}
	}

	if err := store.Cleanup(ctx, base.Add(2*time.Hour)); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	got, err := store.LoadHistory(ctx, types.ClusterHistoryKey, time.Time{}, 0)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(got) != 2 || got[0].Requests != 2 {
		t.Errorf("Expected the two newest snapshots to survive, got %+v", got)
	}

	stats, err := events.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalEvents != 2 {
		t.Errorf("Expected 2 events after cleanup, got %d", stats.TotalEvents)
	}
}

func TestEventStore(t *testing.T) {
	store := startedStore(t)
	events := NewEventStore(store.DB(), zaptest.NewLogger(t))
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	input := []telemetry.Event{
		{ID: "e1", Type: types.EventWorkerStarted, Timestamp: base, WorkerID: "w1", Summary: "started", Severity: telemetry.SeverityInfo},
		{ID: "e2", Type: types.EventWorkerDied, Timestamp: base.Add(time.Minute), WorkerID: "w1", Summary: "died", Severity: telemetry.SeverityWarning,
			Details: map[string]interface{}{"reason": "crashed"}},
		{ID: "e3", Type: types.EventLifecycleError, Timestamp: base.Add(2 * time.Minute), WorkerID: "w2", Code: "FORK_FAILED",
			Summary: "fork failed", Severity: telemetry.SeverityCritical},
		{ID: "e4", Type: types.EventShutdownStarted, Timestamp: base.Add(3 * time.Minute), Summary: "shutdown", Severity: telemetry.SeverityInfo},
	}
	for _, e := range input {
		if err := events.StoreEvent(ctx, e); err != nil {
			t.Fatalf("StoreEvent %s failed: %v", e.ID, err)
		}
	}

	tests := []struct {
		name    string
		filter  telemetry.EventFilter
		wantIDs []string
	}{
		{"all newest first", telemetry.EventFilter{}, []string{"e4", "e3", "e2", "e1"}},
		{"by worker", telemetry.EventFilter{WorkerID: "w1"}, []string{"e2", "e1"}},
		{"by type", telemetry.EventFilter{Type: types.EventLifecycleError}, []string{"e3"}},
		{"by severity", telemetry.EventFilter{Severity: telemetry.SeverityInfo}, []string{"e4", "e1"}},
		{"time window", telemetry.EventFilter{StartTime: base.Add(time.Minute), EndTime: base.Add(2 * time.Minute)}, []string{"e3", "e2"}},
		{"limit", telemetry.EventFilter{Limit: 1}, []string{"e4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := events.GetEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("GetEvents failed: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Expected %d events, got %d", len(tt.wantIDs), len(got))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("Event %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}

	got, err := events.GetEvents(ctx, telemetry.EventFilter{Type: types.EventLifecycleError})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if got[0].Code != "FORK_FAILED" || got[0].WorkerID != "w2" || !got[0].Timestamp.Equal(input[2].Timestamp) {
		t.Errorf("Event fields not preserved: %+v", got[0])
	}

	got, _ = events.GetEvents(ctx, telemetry.EventFilter{Type: types.EventWorkerDied})
	if got[0].Details["reason"] != "crashed" {
		t.Errorf("Expected details to round trip, got %v", got[0].Details)
	}

	stats, err := events.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalEvents != 4 || stats.EventsByType[string(types.EventWorkerDied)] != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

type failingStore struct {
	calls int
	err   error
}

func (f *failingStore) Start(context.Context) error { return nil }
func (f *failingStore) Stop(context.Context) error  { return nil }
func (f *failingStore) SaveSnapshot(context.Context, string, types.Snapshot) error {
	f.calls++
	return f.err
}
func (f *failingStore) LoadHistory(context.Context, string, time.Time, int) ([]types.Snapshot, error) {
	f.calls++
	return nil, f.err
}
func (f *failingStore) Cleanup(context.Context, time.Time) error {
	f.calls++
	return f.err
}

func TestGuardedTripsAfterConsecutiveFailures(t *testing.T) {
	backend := &failingStore{err: errors.New("connection refused")}
	g := NewGuarded(backend, config.BreakerConfig{MaxFailures: 3, OpenTimeout: time.Hour}, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.SaveSnapshot(ctx, types.ClusterHistoryKey, snapshotAt(time.Now(), 1)); err == nil {
			t.Fatal("Expected backend error")
		}
	}
	if g.State() != gobreaker.StateOpen {
		t.Fatalf("Expected open breaker, got %s", g.State())
	}

	_, err := g.LoadHistory(ctx, types.ClusterHistoryKey, time.Time{}, 0)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected ErrOpenState, got %v", err)
	}
	if backend.calls != 3 {
		t.Errorf("Expected backend to be skipped while open, got %d calls", backend.calls)
	}
}

func TestGuardedPassesThrough(t *testing.T) {
	g := NewGuarded(startedStore(t), config.BreakerConfig{}, zaptest.NewLogger(t))
	ctx := context.Background()

	if err := g.SaveSnapshot(ctx, "w", snapshotAt(time.Now(), 3)); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	got, err := g.LoadHistory(ctx, "w", time.Time{}, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("Expected one snapshot, got %v (err %v)", got, err)
	}
	if g.State() != gobreaker.StateClosed {
		t.Errorf("Expected closed breaker, got %s", g.State())
	}
}

func TestOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)

	b, err := Open(config.StorageConfig{Backend: config.StorageBackendNone}, logger)
	if err != nil || b != nil {
		t.Errorf("Expected nil backend for none, got %v (err %v)", b, err)
	}

	if _, err := Open(config.StorageConfig{Backend: "cassandra"}, logger); err == nil {
		t.Error("Expected error for unknown backend")
	}

	b, err = Open(testStorageConfig(t), logger)
	if err != nil {
		t.Fatalf("Open sqlite failed: %v", err)
	}
	if b.Events == nil {
		t.Error("Expected sqlite backend to persist events")
	}
	if _, ok := b.History.(*Guarded); !ok {
		t.Errorf("Expected guarded history store, got %T", b.History)
	}
	if err := b.History.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.History.Stop(context.Background())

	b, err = Open(config.StorageConfig{Backend: config.StorageBackendRedis, Redis: config.RedisConfig{Addr: "127.0.0.1:1", KeyPrefix: "wp"}}, logger)
	if err != nil {
		t.Fatalf("Open redis failed: %v", err)
	}
	if b.Events != nil {
		t.Error("Redis backend does not persist events")
	}
}

func TestRedisSeriesKey(t *testing.T) {
	tests := []struct {
		prefix, series, want string
	}{
		{"", "cluster", "history:cluster"},
		{"worker-pool-manager", "cluster", "worker-pool-manager:history:cluster"},
		{"wp", "*", "wp:history:*"},
	}
	for _, tt := range tests {
		s := &RedisStore{prefix: tt.prefix}
		if got := s.seriesKey(tt.series); got != tt.want {
			t.Errorf("seriesKey(%q, %q) = %q, want %q", tt.prefix, tt.series, got, tt.want)
		}
	}
}
