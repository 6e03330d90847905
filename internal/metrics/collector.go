// Package metrics aggregates per-worker and host measurements into a
// cluster-wide view with bounded history.
package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/ipc"
	"github.com/cboxdk/worker-pool-manager/internal/platform"
	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// CustomMetricFunc derives a named value from the freshly aggregated cluster
type CustomMetricFunc func(ClusterMetrics) float64

// SnapshotSink receives every snapshot appended to history. key is a worker
// id or types.ClusterHistoryKey.
type SnapshotSink func(key string, snapshot types.Snapshot)

// Option configures a Collector
type Option func(*Collector)

// WithTracer traces each collection cycle
func WithTracer(th *telemetry.TraceHelper) Option {
	return func(c *Collector) { c.tracer = th }
}

// WithCustomMetric registers a callback evaluated on every cycle
func WithCustomMetric(name string, fn CustomMetricFunc) Option {
	return func(c *Collector) { c.custom[name] = fn }
}

// WithSnapshotSink forwards history snapshots, e.g. to persistent storage
func WithSnapshotSink(sink SnapshotSink) Option {
	return func(c *Collector) { c.sink = sink }
}

// Collector gathers system and worker metrics
type Collector struct {
	config   config.MetricsConfig
	provider platform.Provider
	logger   *zap.Logger
	tracer   *telemetry.TraceHelper
	sink     SnapshotSink

	mu             sync.RWMutex
	workers        map[string]*WorkerMetrics
	cluster        *ClusterMetrics
	clusterHistory *ring
	workerHistory  map[string]*ring
	custom         map[string]CustomMetricFunc
	prevTotals     map[string]uint64
	lastCollect    time.Time
	memTotal       uint64
	running        bool
}

// NewCollector creates a collector reading host data from provider
func NewCollector(cfg config.MetricsConfig, provider platform.Provider, logger *zap.Logger, opts ...Option) *Collector {
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = config.DefaultCollectInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = config.DefaultHistorySize
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = config.DefaultSampleTimeout
	}

	c := &Collector{
		config:         cfg,
		provider:       provider,
		logger:         logger,
		tracer:         telemetry.NoopTraceHelper(),
		workers:        make(map[string]*WorkerMetrics),
		cluster:        newClusterMetrics(),
		clusterHistory: newRing(cfg.HistorySize),
		workerHistory:  make(map[string]*ring),
		custom:         make(map[string]CustomMetricFunc),
		prevTotals:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the collection loop until ctx is cancelled
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("collector is already running")
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("Starting metrics collector",
		zap.Duration("collect_interval", c.config.CollectInterval),
		zap.Int("history_size", c.config.HistorySize))

	ticker := time.NewTicker(c.config.CollectInterval)
	defer ticker.Stop()

	c.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return nil
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// Stop is a no-op beyond logging; the loop ends with its context
func (c *Collector) Stop(ctx context.Context) error {
	c.logger.Info("Stopping metrics collector")
	return nil
}

func (c *Collector) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Metrics collection panicked", zap.Any("panic", r))
		}
	}()
	if _, err := c.Collect(ctx); err != nil {
		c.logger.Error("Failed to collect metrics", zap.Error(err))
	}
}

// Collect performs one full collection cycle and returns the new aggregate
func (c *Collector) Collect(ctx context.Context) (ClusterMetrics, error) {
	var out ClusterMetrics
	err := c.tracer.TraceMetricsCollectionFunc(ctx, c.WorkerCount(), func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		system := c.sampleSystem(ctx)
		c.RefreshWorkers(ctx)
		out = c.aggregate(time.Now(), system)
		return nil
	})
	return out, err
}

func (c *Collector) sampleSystem(ctx context.Context) *SystemUsage {
	sctx, cancel := context.WithTimeout(ctx, c.config.SampleTimeout)
	defer cancel()

	usage := &SystemUsage{CPUCount: c.provider.CPUCount()}
	ok := false

	if cpuInfo, err := c.provider.CPU(sctx); err != nil {
		c.logger.Warn("Failed to sample system CPU", zap.Error(err))
	} else {
		usage.CPUPercent = cpuInfo.Average
		usage.PerCore = cpuInfo.PerCore
		ok = true
	}

	if memInfo, err := c.provider.Memory(sctx); err != nil {
		c.logger.Warn("Failed to sample system memory", zap.Error(err))
	} else {
		usage.MemoryTotal = memInfo.TotalBytes
		usage.MemoryUsed = memInfo.UsedBytes
		usage.MemoryFree = memInfo.FreeBytes
		usage.MemoryPercent = memInfo.UsedPercent
		ok = true
	}

	if !ok {
		return nil
	}
	return usage
}

// RefreshWorkers samples every registered worker from the process table.
// A failed batch falls back to sampling each pid; pids that still fail keep
// their previous values.
func (c *Collector) RefreshWorkers(ctx context.Context) {
	c.mu.RLock()
	byPID := make(map[int]string, len(c.workers))
	pids := make([]int, 0, len(c.workers))
	for id, w := range c.workers {
		if w.PID > 0 {
			byPID[w.PID] = id
			pids = append(pids, w.PID)
		}
	}
	c.mu.RUnlock()

	if len(pids) == 0 {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, c.config.SampleTimeout)
	defer cancel()

	samples, err := c.provider.Processes(sctx, pids)
	if err != nil {
		c.logger.Warn("Batched process sampling failed, sampling individually",
			zap.Int("pids", len(pids)),
			zap.Error(err))
		samples = make(map[int]*platform.ProcessInfo, len(pids))
		for _, pid := range pids {
			info, err := c.provider.Process(sctx, pid)
			if err != nil {
				c.logger.Debug("Process sample failed",
					zap.Int("pid", pid),
					zap.String("worker_id", byPID[pid]),
					zap.Error(err))
				continue
			}
			samples[pid] = info
		}
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for pid, info := range samples {
		w, ok := c.workers[byPID[pid]]
		if !ok || w.PID != pid {
			continue
		}
		c.applyProcessSample(w, info, now)
	}
}

func (c *Collector) applyProcessSample(w *WorkerMetrics, info *platform.ProcessInfo, now time.Time) {
	w.CPU.Current = info.CPUPercent
	w.CPU.Samples++
	w.CPU.Average += (info.CPUPercent - w.CPU.Average) / float64(w.CPU.Samples)
	if info.CPUPercent > w.CPU.Peak {
		w.CPU.Peak = info.CPUPercent
	}

	w.Memory.RSS = info.MemoryRSS
	w.Memory.Percent = info.MemoryPercent
	if w.Memory.Percent == 0 && c.memTotal > 0 {
		w.Memory.Percent = float64(info.MemoryRSS) / float64(c.memTotal) * 100
	}
	if info.MemoryRSS > w.Memory.PeakRSS {
		w.Memory.PeakRSS = info.MemoryRSS
	}
	w.LastUpdate = now
}

func (c *Collector) aggregate(now time.Time, system *SystemUsage) ClusterMetrics {
	c.mu.Lock()
	cm := c.cluster
	if system != nil {
		cm.System = *system
		if system.MemoryTotal > 0 {
			c.memTotal = system.MemoryTotal
		}
	}

	elapsed := now.Sub(c.lastCollect).Seconds()
	if c.lastCollect.IsZero() {
		elapsed = 0
	}

	var (
		req                                    RequestTotals
		weightedLatency, latencySum            float64
		cpuSum, cpuPeak, memPctSum, memPctPeak float64
		rss                                    uint64
		scoreSum                               float64
		healthy, unhealthy                     int
	)
	counts := make([]float64, 0, len(c.workers))
	distribution := make(map[string]uint64, len(c.workers))
	prevTotals := make(map[string]uint64, len(c.workers))

	for id, w := range c.workers {
		req.Total += w.Requests.Total
		req.Errors += w.Requests.Errors
		req.Active += w.Requests.Active
		weightedLatency += w.Requests.AverageResponseTime * float64(w.Requests.Total)
		latencySum += w.Requests.AverageResponseTime

		switch {
		case w.Requests.PerSecond > 0:
			req.PerSecond += w.Requests.PerSecond
		case elapsed > 0:
			if prev, ok := c.prevTotals[id]; ok && w.Requests.Total >= prev {
				req.PerSecond += float64(w.Requests.Total-prev) / elapsed
			}
		}
		prevTotals[id] = w.Requests.Total

		cpuSum += w.CPU.Current
		cpuPeak = math.Max(cpuPeak, w.CPU.Current)
		memPctSum += w.Memory.Percent
		memPctPeak = math.Max(memPctPeak, w.Memory.Percent)
		rss += w.Memory.RSS

		distribution[id] = w.Requests.Total
		counts = append(counts, float64(w.Requests.Total))

		scoreSum += float64(w.HealthScore)
		if w.HealthStatus == types.HealthStatusHealthy {
			healthy++
		} else {
			unhealthy++
		}
	}

	n := len(c.workers)
	if req.Total > 0 {
		req.ErrorRate = float64(req.Errors) / float64(req.Total) * 100
		req.AverageResponseTime = weightedLatency / float64(req.Total)
	} else if n > 0 {
		req.AverageResponseTime = latencySum / float64(n)
	}

	cm.Timestamp = now
	cm.Workers = n
	cm.Requests = req
	cm.Resources = ResourceTotals{PeakCPU: cpuPeak, TotalMemoryRSS: rss, PeakMemoryPercent: memPctPeak}
	if n > 0 {
		cm.Resources.AverageCPU = cpuSum / float64(n)
		cm.Resources.AverageMemoryPercent = memPctSum / float64(n)
	}
	cm.LoadBalance.Distribution = distribution
	cm.LoadBalance.Efficiency = LoadBalanceEfficiency(counts)
	cm.Health = HealthSummary{Healthy: healthy, Unhealthy: unhealthy}
	if n > 0 {
		cm.Health.AverageScore = scoreSum / float64(n)
	}
	cm.Health.Status = clusterStatus(n, unhealthy, cm.Health.AverageScore)
	cm.Collections++

	c.prevTotals = prevTotals
	c.lastCollect = now

	custom := make(map[string]CustomMetricFunc, len(c.custom))
	for name, fn := range c.custom {
		custom[name] = fn
	}
	view := cm.clone()
	c.mu.Unlock()

	// Callbacks run unlocked so they may query the collector.
	values := make(map[string]float64, len(custom))
	for name, fn := range custom {
		values[name] = c.evaluateCustom(name, fn, view)
	}

	c.mu.Lock()
	cm.Custom = values
	view.Custom = values
	snapshots := make(map[string]types.Snapshot, len(c.workers)+1)
	clusterSnap := types.Snapshot{
		Timestamp:    now,
		CPU:          cm.System.CPUPercent,
		Memory:       cm.System.MemoryPercent,
		Requests:     cm.Requests.Total,
		Errors:       cm.Requests.Errors,
		ResponseTime: cm.Requests.AverageResponseTime,
	}
	c.clusterHistory.push(clusterSnap)
	snapshots[types.ClusterHistoryKey] = clusterSnap
	for id, w := range c.workers {
		snap := types.Snapshot{
			Timestamp:    now,
			CPU:          w.CPU.Current,
			Memory:       w.Memory.Percent,
			Requests:     w.Requests.Total,
			Errors:       w.Requests.Errors,
			ResponseTime: w.Requests.AverageResponseTime,
		}
		h, ok := c.workerHistory[id]
		if !ok {
			h = newRing(c.config.HistorySize)
			c.workerHistory[id] = h
		}
		h.push(snap)
		snapshots[id] = snap
	}
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		for key, snap := range snapshots {
			sink(key, snap)
		}
	}

	return view
}

func (c *Collector) evaluateCustom(name string, fn CustomMetricFunc, view ClusterMetrics) (v float64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("Custom metric panicked", zap.String("metric", name), zap.Any("panic", r))
			v = 0
		}
	}()
	return fn(view)
}

// LoadBalanceEfficiency scores request spread: 100 for identical counts,
// falling towards 0 as the coefficient of variation grows.
func LoadBalanceEfficiency(counts []float64) float64 {
	if len(counts) < 2 {
		return 100
	}
	mean := platform.Average(counts)
	if mean == 0 {
		return 100
	}
	var variance float64
	for _, v := range counts {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(counts))
	cv := math.Sqrt(variance) / mean
	return math.Max(0, 100-cv*100)
}

func clusterStatus(workers, unhealthy int, averageScore float64) types.ClusterStatus {
	switch {
	case workers == 0:
		return types.ClusterStatusUnknown
	case unhealthy == 0:
		return types.ClusterStatusHealthy
	case unhealthy*2 < workers && averageScore >= 50:
		return types.ClusterStatusDegraded
	default:
		return types.ClusterStatusCritical
	}
}

// RegisterWorker starts tracking a worker
func (c *Collector) RegisterWorker(id string, pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[id]; ok {
		w.PID = pid
		return
	}
	now := time.Now()
	c.workers[id] = &WorkerMetrics{
		WorkerID:     id,
		PID:          pid,
		HealthScore:  100,
		HealthStatus: types.HealthStatusHealthy,
		StartedAt:    now,
		LastUpdate:   now,
	}
}

// RemoveWorker stops tracking a worker and drops its history
func (c *Collector) RemoveWorker(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, id)
	delete(c.workerHistory, id)
	delete(c.prevTotals, id)
}

// ApplyMetricsUpdate merges the sections present in update
func (c *Collector) ApplyMetricsUpdate(id string, update ipc.MetricsUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[id]
	if !ok {
		return false
	}

	if r := update.Requests; r != nil {
		w.Requests = RequestMetrics{
			Total:               r.Total,
			PerSecond:           r.PerSecond,
			Errors:              r.Errors,
			AverageResponseTime: r.AverageResponseTime,
			P95ResponseTime:     r.P95ResponseTime,
			P99ResponseTime:     r.P99ResponseTime,
			Active:              r.Active,
		}
	}
	if n := update.Network; n != nil {
		w.Network = NetworkUsage{BytesIn: n.BytesIn, BytesOut: n.BytesOut, Connections: n.Connections}
	}
	if g := update.GC; g != nil {
		w.GC = GCMetrics{Collections: g.Collections, PauseTotalMs: g.PauseTotalMs, LastPauseMs: g.LastPauseMs}
	}
	if e := update.EventLoop; e != nil {
		w.EventLoopDelayMs = e.DelayMs
	}
	if m := update.Memory; m != nil {
		w.Memory.HeapUsed = m.HeapUsed
		w.Memory.HeapTotal = m.HeapTotal
		if m.RSS > 0 {
			w.Memory.RSS = m.RSS
			if m.RSS > w.Memory.PeakRSS {
				w.Memory.PeakRSS = m.RSS
			}
			if c.memTotal > 0 {
				w.Memory.Percent = float64(m.RSS) / float64(c.memTotal) * 100
			}
		}
	}
	w.LastUpdate = time.Now()
	return true
}

// ApplyRequestStats replaces the request counters named by stats
func (c *Collector) ApplyRequestStats(id string, stats ipc.RequestStats) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[id]
	if !ok {
		return false
	}
	w.Requests.Total = stats.Total
	w.Requests.Errors = stats.Errors
	w.Requests.AverageResponseTime = stats.AverageResponseTime
	w.Requests.Active = stats.ActiveRequests
	w.LastUpdate = time.Now()
	return true
}

// UpdateHealth mirrors the pool manager's health assessment
func (c *Collector) UpdateHealth(id string, score int, status types.HealthStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[id]; ok {
		w.HealthScore = score
		w.HealthStatus = status
	}
}

// SetSystemMemoryTotal seeds the divisor used for memory percentages
func (c *Collector) SetSystemMemoryTotal(total uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memTotal = total
}

// RegisterCustomMetric adds or replaces a named callback
func (c *Collector) RegisterCustomMetric(name string, fn CustomMetricFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom[name] = fn
}

// WorkerCount returns the number of tracked workers
func (c *Collector) WorkerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.workers)
}

// WorkerMetrics returns a copy of one worker's metrics
func (c *Collector) WorkerMetrics(id string) (WorkerMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workers[id]
	if !ok {
		return WorkerMetrics{}, false
	}
	return *w, true
}

// AllWorkerMetrics returns copies sorted by worker id
func (c *Collector) AllWorkerMetrics() []WorkerMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]WorkerMetrics, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Cluster returns a copy of the latest aggregate
func (c *Collector) Cluster() ClusterMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cluster.clone()
}

// History returns cluster snapshots newer than since, at most limit
func (c *Collector) History(since time.Time, limit int) []types.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clusterHistory.since(since, limit)
}

// WorkerHistory returns one worker's snapshots newer than since
func (c *Collector) WorkerHistory(id string, since time.Time, limit int) ([]types.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.workerHistory[id]
	if !ok {
		return nil, false
	}
	return h.since(since, limit), true
}

// RestoreHistory replaces the history under key with snapshots
func (c *Collector) RestoreHistory(key string, snapshots []types.Snapshot) {
	sorted := mergeSnapshots(nil, snapshots)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.historyFor(key).reset(sorted)
}

// MergeHistory folds snapshots into the history under key, dropping
// entries whose timestamp is already present
func (c *Collector) MergeHistory(key string, snapshots []types.Snapshot) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.historyFor(key)
	existing := h.items()
	seen := make(map[int64]struct{}, len(existing))
	for _, s := range existing {
		seen[s.Timestamp.UnixNano()] = struct{}{}
	}
	var fresh []types.Snapshot
	for _, s := range snapshots {
		if _, dup := seen[s.Timestamp.UnixNano()]; dup {
			continue
		}
		seen[s.Timestamp.UnixNano()] = struct{}{}
		fresh = append(fresh, s)
	}
	h.reset(mergeSnapshots(existing, fresh))
	return len(fresh)
}

func (c *Collector) historyFor(key string) *ring {
	if key == types.ClusterHistoryKey || key == "" {
		return c.clusterHistory
	}
	h, ok := c.workerHistory[key]
	if !ok {
		h = newRing(c.config.HistorySize)
		c.workerHistory[key] = h
	}
	return h
}

// Reset replaces the aggregate and clears every history
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cluster = newClusterMetrics()
	c.clusterHistory = newRing(c.config.HistorySize)
	c.workerHistory = make(map[string]*ring)
	c.prevTotals = make(map[string]uint64)
	c.lastCollect = time.Time{}
}
