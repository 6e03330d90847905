package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/supervisor"
	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// GracefulShutdown stops every worker in three phases: drain, cooperative
// wait and forced termination. Concurrent and repeated calls share the
// same run. ctx only bounds how long the caller waits.
func (p *Pool) GracefulShutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		go func() {
			p.shutdownErr = p.runShutdown()
			close(p.shutdownDone)
		}()
	})

	select {
	case <-p.shutdownDone:
		return p.shutdownErr
	case <-ctx.Done():
		return fmt.Errorf("waiting for shutdown: %w", ctx.Err())
	}
}

// ShutdownDone is closed once a shutdown has completed
func (p *Pool) ShutdownDone() <-chan struct{} {
	return p.shutdownDone
}

func (p *Pool) runShutdown() error {
	p.mu.Lock()
	p.shuttingDown = true
	for _, t := range p.restarts {
		p.cancelRestartLocked(t)
	}
	count := p.sizeLocked() + len(p.draining)
	p.mu.Unlock()
	p.baseCancel()

	p.logger.Info("Shutting down worker pool", zap.Int("workers", count))
	p.emit(types.WorkerEvent{
		Type:     types.EventShutdownStarted,
		Severity: types.SeverityInfo,
		Message:  "Worker pool shutting down",
		Details:  map[string]interface{}{"workers": count},
	})

	ctx := context.Background()
	return p.tracer.TraceFunc(ctx, telemetry.TraceShutdown, "shutdown failed", func(ctx context.Context) error {
		start := p.now()
		began := time.Now()
		p.drainPhase()
		remaining := p.cooperativePhase(began)
		if len(remaining) > 0 {
			p.forcePhase(ctx, remaining)
		}
		p.finishShutdown()

		p.logger.Info("Worker pool stopped", zap.Duration("elapsed", p.now().Sub(start)))
		return nil
	}, attribute.Int(telemetry.AttrWorkerCount, count))
}

// drainPhase sends the drain message to every active worker
func (p *Pool) drainPhase() {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.active))
	for _, w := range p.active {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	p.logger.Debug("Shutdown phase", zap.String("phase", "drain"), zap.Int("workers", len(workers)))
	for _, w := range workers {
		p.sendDrain(w)
	}
}

// cooperativePhase disconnects every worker and polls until they have all
// exited or the cooperative budget, counted from began, is spent. It
// returns the survivors.
func (p *Pool) cooperativePhase(began time.Time) []*worker {
	p.mu.Lock()
	for _, w := range p.active {
		p.beginDrainLocked(w, ReasonShutdown)
	}
	for _, w := range p.pending {
		p.beginDrainLocked(w, ReasonShutdown)
	}
	for _, w := range p.draining {
		if w.stopReason == "" {
			w.stopReason = ReasonShutdown
		}
	}
	p.currentSize = 0
	workers := p.drainingLocked()
	p.mu.Unlock()

	p.logger.Debug("Shutdown phase", zap.String("phase", "cooperative"), zap.Int("workers", len(workers)))
	for _, w := range workers {
		p.disconnect(w)
	}

	deadline := time.NewTimer(p.cooperativeWait(time.Since(began)))
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.Shutdown.PollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		left := p.drainingLocked()
		p.mu.Unlock()
		if len(left) == 0 {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			p.mu.Lock()
			left = p.drainingLocked()
			p.mu.Unlock()
			return left
		}
	}
}

// cooperativeWait is what is left of the cooperative budget after elapsed
func (p *Pool) cooperativeWait(elapsed time.Duration) time.Duration {
	budget := time.Duration(float64(p.cfg.Shutdown.Timeout) * config.CooperativeBudgetFraction)
	if elapsed >= budget {
		return 0
	}
	return budget - elapsed
}

// forcePhase terminates the remaining workers concurrently
func (p *Pool) forcePhase(ctx context.Context, workers []*worker) {
	p.logger.Warn("Workers still running after cooperative shutdown, terminating",
		zap.String("phase", "force"),
		zap.Int("workers", len(workers)))

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			exit := supervisor.Terminate(ctx, w.proc, p.cfg.Shutdown.KillTimeout)
			p.logger.Debug("Worker terminated", zap.String("worker_id", w.id), zap.String("status", exit.String()))
			p.awaitExit(w)
			return nil
		})
	}
	_ = g.Wait()
}

// finishShutdown waits for background work and reader goroutines, then
// archives anything whose exit was never observed
func (p *Pool) finishShutdown() {
	waitFor(&p.background, p.cfg.Shutdown.KillTimeout)
	waitFor(&p.readers, 2*readerDrainTimeout)

	p.mu.Lock()
	leftovers := p.drainingLocked()
	for _, w := range p.active {
		leftovers = append(leftovers, w)
	}
	for _, w := range p.pending {
		leftovers = append(leftovers, w)
	}
	p.mu.Unlock()

	for _, w := range leftovers {
		p.logger.Warn("Worker exit not observed during shutdown", zap.String("worker_id", w.id), zap.Int("pid", w.pid))
		p.handleExit(w, supervisor.Exit{Code: -1, Err: fmt.Errorf("exit not observed")})
	}
}

func (p *Pool) drainingLocked() []*worker {
	out := make([]*worker, 0, len(p.draining))
	for _, w := range p.draining {
		out = append(out, w)
	}
	return out
}

// waitFor waits on wg for at most d
func waitFor(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
