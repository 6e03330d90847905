package pool

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cboxdk/worker-pool-manager/internal/ipc"
	"github.com/cboxdk/worker-pool-manager/internal/supervisor"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// ScaleWorkers resizes the pool to target, clamped to [1, MaxSize]. Scaling
// down gives up scheduled restarts and in-flight spawns first, then
// gracefully stops pending workers and the least healthy active ones, and
// returns once they have exited.
func (p *Pool) ScaleWorkers(ctx context.Context, target int) error {
	if ipc.IsWorkerProcess() {
		return lifecycleError(CodeNotSupervisor, "", "scale", ErrNotSupervisor)
	}

	clamped := clamp(target, 1, p.maxSize)
	if clamped != target {
		p.logger.Warn("Scale target out of range, clamping",
			zap.Int("requested", target),
			zap.Int("target", clamped),
			zap.Int("max", p.maxSize))
	}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return lifecycleError(CodeShuttingDown, "", "scale", ErrShuttingDown)
	}
	current := p.sizeLocked() + p.reserved - p.surplus + len(p.restarts)
	p.targetSize = clamped

	switch {
	case clamped > current:
		// in-flight spawns given up by an earlier scale-down count again
		need := clamped - current
		reclaimed := min(p.surplus, need)
		p.surplus -= reclaimed
		need -= reclaimed
		p.mu.Unlock()
		if need == 0 {
			return nil
		}
		return p.tracer.TraceScalingFunc(ctx, current, clamped, "scale_up", func(ctx context.Context) error {
			p.logger.Info("Scaling up", zap.Int("from", current), zap.Int("to", clamped))
			return p.startBatches(ctx, need)
		})

	case clamped < current:
		excess := current - clamped
		for _, t := range p.restartsBySlot() {
			if excess == 0 {
				break
			}
			if p.cancelRestartLocked(t) {
				excess--
			}
		}
		// spawns still forking are discarded as soon as they return
		dropped := min(excess, p.reserved-p.surplus)
		p.surplus += dropped
		excess -= dropped
		victims := p.leastHealthyLocked(excess)
		for _, w := range victims {
			p.beginDrainLocked(w, ReasonStopped)
		}
		p.currentSize = len(p.active)
		p.mu.Unlock()

		return p.tracer.TraceScalingFunc(ctx, current, clamped, "scale_down", func(ctx context.Context) error {
			p.logger.Info("Scaling down",
				zap.Int("from", current),
				zap.Int("to", clamped),
				zap.Int("stopping", len(victims)))
			g, gctx := errgroup.WithContext(ctx)
			for _, w := range victims {
				g.Go(func() error {
					p.stopWorker(gctx, w)
					return nil
				})
			}
			return g.Wait()
		})

	default:
		p.mu.Unlock()
		return nil
	}
}

// restartsBySlot returns scheduled restarts latest-due first, so the
// furthest-off replacements are cancelled first. Called with p.mu held.
func (p *Pool) restartsBySlot() []*restartTask {
	out := make([]*restartTask, 0, len(p.restarts))
	for _, t := range p.restarts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].due.After(out[j].due) })
	return out
}

// leastHealthyLocked picks n workers to stop. Pending workers go first,
// newest first, then active ones by ascending health score.
func (p *Pool) leastHealthyLocked(n int) []*worker {
	if n <= 0 {
		return nil
	}
	candidates := make([]*worker, 0, len(p.pending)+len(p.active))
	for _, set := range []map[string]*worker{p.pending, p.active} {
		for _, w := range set {
			if !w.stopping {
				candidates = append(candidates, w)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].state == types.WorkerStatePending, candidates[j].state == types.WorkerStatePending
		if pi != pj {
			return pi
		}
		if candidates[i].healthScore != candidates[j].healthScore {
			return candidates[i].healthScore < candidates[j].healthScore
		}
		return candidates[i].startedAt.After(candidates[j].startedAt)
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// beginDrainLocked moves an active or pending worker to draining
func (p *Pool) beginDrainLocked(w *worker, reason string) {
	if w.state == types.WorkerStateDead || w.state == types.WorkerStateDraining {
		return
	}
	delete(p.active, w.id)
	delete(p.pending, w.id)
	w.state = types.WorkerStateDraining
	w.stopping = true
	w.stopReason = reason
	p.draining[w.id] = w
}

// stopWorker drains, disconnects and if needed terminates one worker that
// is already in the draining set
func (p *Pool) stopWorker(ctx context.Context, w *worker) {
	_ = p.tracer.TraceWorkerOperationFunc(ctx, w.id, "stop", func(ctx context.Context) error {
		p.sendDrain(w)
		p.disconnect(w)

		timer := time.NewTimer(p.cfg.Shutdown.KillTimeout)
		defer timer.Stop()
		select {
		case <-w.exited:
			return nil
		case <-timer.C:
		case <-ctx.Done():
		}

		p.logger.Warn("Worker did not exit after disconnect, terminating", zap.String("worker_id", w.id))
		supervisor.Terminate(ctx, w.proc, p.cfg.Shutdown.KillTimeout)
		p.awaitExit(w)
		return nil
	})
}

// awaitExit waits for the exit handler to archive w
func (p *Pool) awaitExit(w *worker) {
	select {
	case <-w.exited:
	case <-time.After(2 * readerDrainTimeout):
	}
}

// sendDrain asks w to stop taking work, waiting at most DrainGrace for the
// message to be written
func (p *Pool) sendDrain(w *worker) {
	sent := make(chan error, 1)
	go func() { sent <- w.proc.Conn().Send(ipc.Shutdown{Phase: ipc.PhaseDrain}) }()

	timer := time.NewTimer(p.cfg.Shutdown.DrainGrace)
	defer timer.Stop()
	select {
	case err := <-sent:
		if err != nil {
			p.reportError(lifecycleError(CodeSendFailed, w.id, "drain", err))
		}
	case <-timer.C:
		p.logger.Debug("Drain message not accepted within grace period", zap.String("worker_id", w.id))
	}
}

func (p *Pool) disconnect(w *worker) {
	if err := w.proc.Conn().CloseWrite(); err != nil {
		p.logger.Debug("Failed to close worker channel", zap.String("worker_id", w.id), zap.Error(err))
	}
}
