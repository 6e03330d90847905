package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/ipc"
	"github.com/cboxdk/worker-pool-manager/internal/platform"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

func newTestCollector(t *testing.T, provider platform.Provider, opts ...Option) *Collector {
	t.Helper()
	return NewCollector(config.MetricsConfig{
		CollectInterval: time.Second,
		HistorySize:     5,
		SampleTimeout:   time.Second,
	}, provider, zaptest.NewLogger(t), opts...)
}

func TestLoadBalanceEfficiency(t *testing.T) {
	assert.Equal(t, 100.0, LoadBalanceEfficiency(nil))
	assert.Equal(t, 100.0, LoadBalanceEfficiency([]float64{42}))
	assert.Equal(t, 100.0, LoadBalanceEfficiency([]float64{10, 10, 10, 10}))
	assert.Equal(t, 100.0, LoadBalanceEfficiency([]float64{0, 0}))

	mild := LoadBalanceEfficiency([]float64{9, 10, 11})
	wider := LoadBalanceEfficiency([]float64{5, 10, 15})
	skewed := LoadBalanceEfficiency([]float64{0, 0, 30})

	assert.Less(t, mild, 100.0)
	assert.Less(t, wider, mild)
	assert.Less(t, skewed, wider)
	assert.Equal(t, 0.0, skewed)

	// CV of {5, 15} is 0.5
	assert.InDelta(t, 50.0, LoadBalanceEfficiency([]float64{5, 15}), 0.0001)
}

func TestCollectAggregatesWorkers(t *testing.T) {
	provider := platform.NewMockProvider(4)
	provider.SetCPU(50, 50, 50, 50)
	provider.SetMemoryPercent(40)
	provider.SetProcess(platform.ProcessInfo{PID: 100, CPUPercent: 20, MemoryRSS: 100 << 20, MemoryPercent: 1.5})
	provider.SetProcess(platform.ProcessInfo{PID: 200, CPUPercent: 60, MemoryRSS: 300 << 20, MemoryPercent: 3.5})

	c := newTestCollector(t, provider)
	c.RegisterWorker("a", 100)
	c.RegisterWorker("b", 200)
	require.True(t, c.ApplyRequestStats("a", ipc.RequestStats{Total: 100, Errors: 5, AverageResponseTime: 10}))
	require.True(t, c.ApplyRequestStats("b", ipc.RequestStats{Total: 100, Errors: 15, AverageResponseTime: 30, ActiveRequests: 2}))
	c.UpdateHealth("b", 40, types.HealthStatusCritical)

	cm, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, cm.Workers)
	assert.Equal(t, uint64(200), cm.Requests.Total)
	assert.Equal(t, uint64(20), cm.Requests.Errors)
	assert.InDelta(t, 10.0, cm.Requests.ErrorRate, 0.001)
	assert.InDelta(t, 20.0, cm.Requests.AverageResponseTime, 0.001)
	assert.Equal(t, 2, cm.Requests.Active)
	assert.InDelta(t, 40.0, cm.Resources.AverageCPU, 0.001)
	assert.Equal(t, 60.0, cm.Resources.PeakCPU)
	assert.Equal(t, uint64(400<<20), cm.Resources.TotalMemoryRSS)
	assert.Equal(t, 100.0, cm.LoadBalance.Efficiency)
	assert.Equal(t, map[string]uint64{"a": 100, "b": 100}, cm.LoadBalance.Distribution)
	assert.Equal(t, 1, cm.Health.Healthy)
	assert.Equal(t, 1, cm.Health.Unhealthy)
	assert.InDelta(t, 70.0, cm.Health.AverageScore, 0.001)
	assert.Equal(t, types.ClusterStatusCritical, cm.Health.Status)
	assert.Equal(t, 50.0, cm.System.CPUPercent)
	assert.Equal(t, 40.0, cm.System.MemoryPercent)
	assert.Equal(t, uint64(1), cm.Collections)

	w, ok := c.WorkerMetrics("b")
	require.True(t, ok)
	assert.Equal(t, 60.0, w.CPU.Current)
	assert.Equal(t, 3.5, w.Memory.Percent)
}

func TestClusterStatus(t *testing.T) {
	assert.Equal(t, types.ClusterStatusUnknown, clusterStatus(0, 0, 0))
	assert.Equal(t, types.ClusterStatusHealthy, clusterStatus(3, 0, 90))
	assert.Equal(t, types.ClusterStatusDegraded, clusterStatus(3, 1, 70))
	assert.Equal(t, types.ClusterStatusCritical, clusterStatus(3, 2, 70))
	assert.Equal(t, types.ClusterStatusCritical, clusterStatus(3, 1, 30))
}

func TestRefreshFallsBackToPerProcess(t *testing.T) {
	provider := platform.NewMockProvider(2)
	provider.SetProcess(platform.ProcessInfo{PID: 1, CPUPercent: 10})
	provider.SetProcess(platform.ProcessInfo{PID: 2, CPUPercent: 20})
	provider.SetProcess(platform.ProcessInfo{PID: 3, CPUPercent: 30})
	provider.FailBatch(errors.New("process table unavailable"))
	provider.FailProcess(2, errors.New("permission denied"))

	c := newTestCollector(t, provider)
	c.RegisterWorker("w1", 1)
	c.RegisterWorker("w2", 2)
	c.RegisterWorker("w3", 3)

	c.RefreshWorkers(context.Background())

	batch, single := provider.Calls()
	assert.Equal(t, 1, batch)
	assert.Equal(t, 3, single)

	w1, _ := c.WorkerMetrics("w1")
	w2, _ := c.WorkerMetrics("w2")
	w3, _ := c.WorkerMetrics("w3")
	assert.Equal(t, 10.0, w1.CPU.Current)
	assert.Equal(t, 0.0, w2.CPU.Current)
	assert.Equal(t, 30.0, w3.CPU.Current)
}

func TestCPUAverageAndPeak(t *testing.T) {
	provider := platform.NewMockProvider(1)
	c := newTestCollector(t, provider)
	c.RegisterWorker("w", 9)

	for _, v := range []float64{10, 50, 30} {
		provider.SetProcess(platform.ProcessInfo{PID: 9, CPUPercent: v})
		c.RefreshWorkers(context.Background())
	}

	w, _ := c.WorkerMetrics("w")
	assert.Equal(t, 30.0, w.CPU.Current)
	assert.InDelta(t, 30.0, w.CPU.Average, 0.0001)
	assert.Equal(t, 50.0, w.CPU.Peak)
	assert.Equal(t, uint64(3), w.CPU.Samples)
}

func TestApplyMetricsUpdateMergesPerField(t *testing.T) {
	c := newTestCollector(t, platform.NewMockProvider(1))
	c.SetSystemMemoryTotal(1000)
	c.RegisterWorker("w", 1)

	c.ApplyMetricsUpdate("w", ipc.MetricsUpdate{
		Requests:  &ipc.RequestCounters{Total: 10, PerSecond: 2},
		EventLoop: &ipc.EventLoop{DelayMs: 70},
	})
	c.ApplyMetricsUpdate("w", ipc.MetricsUpdate{
		Memory: &ipc.MemoryUsage{RSS: 250, HeapUsed: 100},
	})

	w, _ := c.WorkerMetrics("w")
	assert.Equal(t, uint64(10), w.Requests.Total)
	assert.Equal(t, 70.0, w.EventLoopDelayMs)
	assert.Equal(t, uint64(250), w.Memory.RSS)
	assert.InDelta(t, 25.0, w.Memory.Percent, 0.001)

	// Stats replace only the counters they carry
	c.ApplyRequestStats("w", ipc.RequestStats{Total: 20, Errors: 1})
	w, _ = c.WorkerMetrics("w")
	assert.Equal(t, uint64(20), w.Requests.Total)
	assert.Equal(t, 2.0, w.Requests.PerSecond)

	assert.False(t, c.ApplyMetricsUpdate("missing", ipc.MetricsUpdate{}))
	assert.False(t, c.ApplyRequestStats("missing", ipc.RequestStats{}))
}

func TestRequestRateFromDeltas(t *testing.T) {
	c := newTestCollector(t, platform.NewMockProvider(1))
	c.RegisterWorker("w", 0)

	c.ApplyRequestStats("w", ipc.RequestStats{Total: 100})
	start := time.Now()
	c.aggregate(start, nil)

	c.ApplyRequestStats("w", ipc.RequestStats{Total: 300})
	cm := c.aggregate(start.Add(10*time.Second), nil)
	assert.InDelta(t, 20.0, cm.Requests.PerSecond, 0.001)
}

func TestHistoryIsBounded(t *testing.T) {
	c := newTestCollector(t, platform.NewMockProvider(1))
	c.RegisterWorker("w", 0)

	base := time.Unix(1700000000, 0)
	for i := 0; i < 8; i++ {
		c.aggregate(base.Add(time.Duration(i)*time.Second), nil)
	}

	history := c.History(time.Time{}, 0)
	require.Len(t, history, 5)
	assert.Equal(t, base.Add(3*time.Second), history[0].Timestamp)
	assert.Equal(t, base.Add(7*time.Second), history[4].Timestamp)

	recent := c.History(base.Add(5*time.Second), 0)
	assert.Len(t, recent, 2)
	assert.Len(t, c.History(time.Time{}, 2), 2)

	wh, ok := c.WorkerHistory("w", time.Time{}, 0)
	require.True(t, ok)
	assert.Len(t, wh, 5)

	c.RemoveWorker("w")
	_, ok = c.WorkerHistory("w", time.Time{}, 0)
	assert.False(t, ok)
}

func TestRestoreAndMergeHistory(t *testing.T) {
	c := newTestCollector(t, platform.NewMockProvider(1))
	base := time.Unix(1700000000, 0)
	snap := func(sec int, req uint64) types.Snapshot {
		return types.Snapshot{Timestamp: base.Add(time.Duration(sec) * time.Second), Requests: req}
	}

	c.RestoreHistory(types.ClusterHistoryKey, []types.Snapshot{snap(3, 3), snap(1, 1), snap(2, 2)})
	history := c.History(time.Time{}, 0)
	require.Len(t, history, 3)
	assert.Equal(t, uint64(1), history[0].Requests)

	added := c.MergeHistory(types.ClusterHistoryKey, []types.Snapshot{snap(2, 99), snap(4, 4), snap(0, 0), snap(4, 44)})
	assert.Equal(t, 2, added)

	history = c.History(time.Time{}, 0)
	require.Len(t, history, 5)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i-1].Timestamp.Before(history[i].Timestamp))
	}
	assert.Equal(t, uint64(2), history[2].Requests, "existing entry wins over duplicate")

	c.MergeHistory(types.ClusterHistoryKey, []types.Snapshot{snap(10, 10)})
	history = c.History(time.Time{}, 0)
	assert.Len(t, history, 5, "merge respects capacity")
	assert.Equal(t, uint64(10), history[4].Requests)

	c.MergeHistory("w-old", []types.Snapshot{snap(1, 1)})
	wh, ok := c.WorkerHistory("w-old", time.Time{}, 0)
	require.True(t, ok)
	assert.Len(t, wh, 1)
}

func TestCustomMetricsAndSink(t *testing.T) {
	var sunk []string
	c := newTestCollector(t, platform.NewMockProvider(1),
		WithCustomMetric("double_workers", func(cm ClusterMetrics) float64 { return float64(cm.Workers * 2) }),
		WithSnapshotSink(func(key string, s types.Snapshot) { sunk = append(sunk, key) }),
	)
	c.RegisterCustomMetric("panics", func(ClusterMetrics) float64 { panic("boom") })
	c.RegisterWorker("w", 0)

	cm, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, cm.Custom["double_workers"])
	assert.Equal(t, 0.0, cm.Custom["panics"])
	assert.Equal(t, 2.0, c.Cluster().Custom["double_workers"])
	assert.ElementsMatch(t, []string{types.ClusterHistoryKey, "w"}, sunk)
}

func TestResetClearsState(t *testing.T) {
	c := newTestCollector(t, platform.NewMockProvider(1))
	c.RegisterWorker("w", 0)
	_, err := c.Collect(context.Background())
	require.NoError(t, err)

	c.Reset()
	cm := c.Cluster()
	assert.Equal(t, uint64(0), cm.Collections)
	assert.Equal(t, types.ClusterStatusUnknown, cm.Health.Status)
	assert.Empty(t, c.History(time.Time{}, 0))
}

func TestCollectCancelled(t *testing.T) {
	c := newTestCollector(t, platform.NewMockProvider(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Collect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartRunsUntilCancelled(t *testing.T) {
	c := newTestCollector(t, platform.NewMockProvider(1))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return c.Cluster().Collections >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
	assert.NoError(t, c.Stop(context.Background()))
}

func TestExportFormats(t *testing.T) {
	provider := platform.NewMockProvider(1)
	c := newTestCollector(t, provider)
	c.RegisterWorker("w-1", 0)
	c.ApplyRequestStats("w-1", ipc.RequestStats{Total: 7, Errors: 1})
	base := time.Unix(1700000000, 0)
	c.aggregate(base, nil)
	c.aggregate(base.Add(time.Second), nil)

	jsonOut, err := c.Export(FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(jsonOut), `"workerId": "w-1"`)

	promOut, err := c.Export(FormatPrometheus)
	require.NoError(t, err)
	assert.Contains(t, string(promOut), "workerpool_requests_total 7")
	assert.Contains(t, string(promOut), `workerpool_worker_requests_total{worker_id="w-1"} 7`)

	csvOut, err := c.Export(FormatCSV)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvOut)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,cpu,memory,requests,errors,responseTime", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",7,1,0.00"))

	_, err = c.Export("xml")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("prom")
	require.NoError(t, err)
	assert.Equal(t, FormatPrometheus, f)
	assert.Equal(t, "text/csv; charset=utf-8", FormatCSV.ContentType())

	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}
