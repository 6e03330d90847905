package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

func (p *Pool) monitor(ctx context.Context) {
	interval := p.cfg.Monitoring.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("Health monitor started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			p.monitorTick(ctx)
		}
	}
}

// monitorTick rescores every active worker, replaces unresponsive ones and
// raises scaling advice. It never waits on a worker.
func (p *Pool) monitorTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Health monitor tick panicked", zap.Any("panic", r))
		}
	}()

	_ = p.tracer.TraceFunc(ctx, telemetry.TraceHealthMonitor, "health monitor failed", func(ctx context.Context) error {
		p.metrics.RefreshWorkers(ctx)
		p.assessWorkers()
		p.adviseScaling()
		return nil
	})
}

type assessment struct {
	w        *worker
	score    int
	status   types.HealthStatus
	replace  bool
	memAlert bool
	rss      uint64
}

func (p *Pool) assessWorkers() {
	now := p.now()
	staleAfter := p.cfg.Monitoring.StaleAfter
	memLimit := uint64(p.cfg.Workers.Resources.MaxMemoryMB) << 20

	p.mu.Lock()
	workers := make([]*worker, 0, len(p.active))
	for _, w := range p.active {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	// Sample outside the pool lock; the collector has its own.
	samples := make(map[string]HealthInputs, len(workers))
	rss := make(map[string]uint64, len(workers))
	for _, w := range workers {
		wm, ok := p.metrics.WorkerMetrics(w.id)
		if !ok {
			continue
		}
		samples[w.id] = HealthInputs{
			CPUPercent:        wm.CPU.Current,
			MemoryPercent:     wm.Memory.Percent,
			Requests:          wm.Requests.Total,
			Errors:            wm.Requests.Errors,
			AverageResponseMs: wm.Requests.AverageResponseTime,
			EventLoopDelayMs:  wm.EventLoopDelayMs,
		}
		rss[w.id] = wm.Memory.RSS
	}

	results := make([]assessment, 0, len(workers))
	p.mu.Lock()
	for _, w := range workers {
		if w.state != types.WorkerStateActive {
			continue
		}
		stale := staleAfter > 0 && now.Sub(w.lastHeard) > staleAfter
		switch {
		case stale:
			w.consecutiveFailures++
		case w.reportedStatus == "" || w.reportedStatus == string(types.HealthStatusHealthy):
			w.consecutiveFailures = 0
		}

		in := samples[w.id]
		in.ConsecutiveFailures = w.consecutiveFailures
		score := ComputeHealthScore(in)
		if stale && score > staleScoreCeiling {
			score = staleScoreCeiling
		}
		w.healthScore = score
		w.healthStatus = StatusFor(score)

		a := assessment{w: w, score: score, status: w.healthStatus, rss: rss[w.id]}
		a.replace = !p.shuttingDown && !w.stopping && score < 20 && w.consecutiveFailures > 5

		overLimit := memLimit > 0 && a.rss > memLimit
		if overLimit && !w.memoryCritical {
			a.memAlert = true
		}
		w.memoryCritical = overLimit
		results = append(results, a)
	}
	p.mu.Unlock()

	for _, a := range results {
		p.metrics.UpdateHealth(a.w.id, a.score, a.status)
		if a.memAlert {
			p.emit(types.WorkerEvent{
				Type:     types.EventMemoryCritical,
				WorkerID: a.w.id,
				PID:      a.w.pid,
				Severity: types.SeverityCritical,
				Message:  "Worker memory above configured ceiling",
				Details: map[string]interface{}{
					"rss_bytes":     a.rss,
					"max_memory_mb": p.cfg.Workers.Resources.MaxMemoryMB,
				},
			})
		}
		if a.replace {
			p.replaceUnresponsive(a.w)
		}
	}
}

// adviseScaling publishes scale_up_needed or scale_down_possible when the
// advice changes. It never acts on it.
func (p *Pool) adviseScaling() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	size := len(p.active)
	p.mu.Unlock()

	if size == 0 {
		return
	}

	var cpu, mem float64
	sampled := 0
	for _, id := range ids {
		wm, ok := p.metrics.WorkerMetrics(id)
		if !ok {
			continue
		}
		cpu += wm.CPU.Current
		mem += wm.Memory.Percent
		sampled++
	}
	if sampled == 0 {
		return
	}
	cpu /= float64(sampled)
	mem /= float64(sampled)

	as := p.cfg.Autoscaling
	var advice types.WorkerEventType
	switch {
	case cpu > as.ScaleUpCPU:
		advice = types.EventScaleUpNeeded
	case cpu < as.ScaleDownCPU && mem < as.ScaleDownMemory && float64(size) > float64(p.optimalSize)/2:
		advice = types.EventScaleDownPossible
	}

	p.mu.Lock()
	changed := advice != p.advice
	p.advice = advice
	p.mu.Unlock()

	if !changed || advice == "" {
		return
	}
	p.logger.Info("Scaling advice",
		zap.String("advice", string(advice)),
		zap.Float64("average_cpu", cpu),
		zap.Float64("average_memory", mem),
		zap.Int("workers", size))
	p.emit(types.WorkerEvent{
		Type:     advice,
		Severity: types.SeverityInfo,
		Message:  "Scaling advice: " + string(advice),
		Details: map[string]interface{}{
			"average_cpu":    cpu,
			"average_memory": mem,
			"current_size":   size,
			"optimal_size":   p.optimalSize,
		},
	})
}
