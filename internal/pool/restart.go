package pool

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cboxdk/worker-pool-manager/internal/supervisor"
	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// RestartDelay returns min(base × 2^count, max)
func RestartDelay(base, max time.Duration, count int) time.Duration {
	if count < 0 {
		count = 0
	}
	if count > 30 {
		return max
	}
	d := base << uint(count)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// restartTask is a delayed replacement of a crashed worker. At most one
// task exists per slot.
type restartTask struct {
	slot  string
	oldID string
	count int // restart count the replacement carries
	delay time.Duration
	due   time.Time
	timer *time.Timer
}

// PendingRestart describes a scheduled restart
type PendingRestart struct {
	Slot     string        `json:"slot"`
	WorkerID string        `json:"previousWorkerId"`
	Attempt  int           `json:"attempt"`
	Delay    time.Duration `json:"delay"`
	Due      time.Time     `json:"due"`
}

// planRestart decides whether an exited worker is replaced. Called with
// p.mu held. limitReached is set when only the restart ceiling prevented it.
func (p *Pool) planRestart(w *worker, exit supervisor.Exit, now time.Time) (task *restartTask, limitReached bool) {
	rc := p.cfg.Restart
	switch {
	case !rc.RespawnEnabled(), p.shuttingDown, w.stopping:
		return nil, false
	case supervisor.IsIntentionalSignal(exit.Signal):
		return nil, false
	case !exit.Signaled() && exit.Code == 0:
		return nil, false
	}

	// A worker that outlived the rate-limit window starts a fresh backoff.
	count := w.restartCount
	if !w.lastRestartAt.IsZero() && now.Sub(w.lastRestartAt) > rc.MinInterval {
		count = 0
	}
	if count >= rc.MaxRestarts {
		return nil, true
	}
	if _, scheduled := p.restarts[w.slot]; scheduled {
		return nil, false
	}

	return &restartTask{
		slot:  w.slot,
		oldID: w.id,
		count: count + 1,
		delay: RestartDelay(rc.BaseDelay, rc.MaxDelay, count),
	}, false
}

func (p *Pool) scheduleRestartLocked(task *restartTask) {
	task.due = p.now().Add(task.delay)
	p.restarts[task.slot] = task
	p.background.Add(1)
	task.timer = time.AfterFunc(task.delay, func() { p.runRestart(task) })

	p.logger.Info("Worker restart scheduled",
		zap.String("worker_id", task.oldID),
		zap.Int("attempt", task.count),
		zap.Duration("delay", task.delay))
}

// cancelRestartLocked drops a scheduled restart; false if it already fired
func (p *Pool) cancelRestartLocked(task *restartTask) bool {
	delete(p.restarts, task.slot)
	if task.timer.Stop() {
		p.background.Done()
		return true
	}
	return false
}

func (p *Pool) runRestart(task *restartTask) {
	defer p.background.Done()

	p.mu.Lock()
	if cur, ok := p.restarts[task.slot]; !ok || cur != task {
		p.mu.Unlock()
		return
	}
	delete(p.restarts, task.slot)
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.totalRestarts++
	p.mu.Unlock()

	ctx := p.baseCtx
	var replacement *worker
	err := p.tracer.TraceFunc(ctx, telemetry.TraceWorkerRestart, "worker restart failed", func(ctx context.Context) error {
		var err error
		replacement, err = p.startWorker(ctx, restartCarry{slot: task.slot, count: task.count, at: p.now()})
		return err
	},
		attribute.String(telemetry.AttrWorkerID, task.oldID),
		attribute.Int(telemetry.AttrRestartCount, task.count))
	if err != nil {
		if !errors.Is(err, ErrShuttingDown) {
			p.reportError(lifecycleError(CodeRestartFailed, task.oldID, "restart", err))
		}
		return
	}

	p.emit(types.WorkerEvent{
		Type:     types.EventWorkerRestarted,
		WorkerID: replacement.id,
		PID:      replacement.pid,
		Message:  "Worker restarted",
		Details: map[string]interface{}{
			"previous_worker_id": task.oldID,
			"restart_count":      task.count,
			"delay_ms":           task.delay.Milliseconds(),
		},
	})
}

// replaceUnresponsive kills a live but unresponsive worker and starts a
// replacement in the same slot without backoff
func (p *Pool) replaceUnresponsive(w *worker) {
	p.mu.Lock()
	if w.state == types.WorkerStateDead || w.stopping || p.shuttingDown {
		p.mu.Unlock()
		return
	}
	w.stopping = true
	w.stopReason = ReasonUnresponsive
	carry := restartCarry{slot: w.slot, count: w.restartCount, at: w.lastRestartAt}
	score, failures := w.healthScore, w.consecutiveFailures
	p.totalRestarts++
	p.background.Add(1)
	p.mu.Unlock()

	p.logger.Warn("Replacing unresponsive worker",
		zap.String("worker_id", w.id),
		zap.Int("health_score", score),
		zap.Int("consecutive_failures", failures))
	p.emit(types.WorkerEvent{
		Type:     types.EventWorkerUnresponsive,
		WorkerID: w.id,
		PID:      w.pid,
		Severity: types.SeverityError,
		Message:  "Worker unresponsive, replacing",
		Details: map[string]interface{}{
			"health_score":         score,
			"consecutive_failures": failures,
		},
	})

	go func() {
		defer p.background.Done()

		_ = w.proc.Signal(unix.SIGKILL)
		select {
		case <-w.exited:
		case <-time.After(p.cfg.Shutdown.KillTimeout):
			p.logger.Warn("Unresponsive worker did not exit after kill", zap.String("worker_id", w.id))
		case <-p.baseCtx.Done():
			return
		}

		replacement, err := p.startWorker(p.baseCtx, carry)
		if err != nil {
			if !errors.Is(err, ErrShuttingDown) {
				p.reportError(lifecycleError(CodeRestartFailed, w.id, "replace", err))
			}
			return
		}
		p.emit(types.WorkerEvent{
			Type:     types.EventWorkerRestarted,
			WorkerID: replacement.id,
			PID:      replacement.pid,
			Message:  "Unresponsive worker replaced",
			Details:  map[string]interface{}{"previous_worker_id": w.id},
		})
	}()
}

// PendingRestarts lists scheduled restarts, soonest first
func (p *Pool) PendingRestarts() []PendingRestart {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingRestart, 0, len(p.restarts))
	for _, t := range p.restarts {
		out = append(out, PendingRestart{
			Slot:     t.slot,
			WorkerID: t.oldID,
			Attempt:  t.count,
			Delay:    t.delay,
			Due:      t.due,
		})
	}
	sortPendingRestarts(out)
	return out
}
