// Package pool supervises a fleet of worker processes: it sizes the fleet,
// starts workers in batches, scores their health, restarts crashed workers
// with exponential backoff, scales on request and shuts everything down in
// three phases.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/ipc"
	"github.com/cboxdk/worker-pool-manager/internal/metrics"
	"github.com/cboxdk/worker-pool-manager/internal/platform"
	"github.com/cboxdk/worker-pool-manager/internal/supervisor"
	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// readerDrainTimeout bounds how long an exit waits for the worker's last
// messages to be read.
const readerDrainTimeout = time.Second

// Metrics is the part of the metrics collector the pool feeds and reads
type Metrics interface {
	RegisterWorker(id string, pid int)
	RemoveWorker(id string)
	ApplyMetricsUpdate(id string, update ipc.MetricsUpdate) bool
	ApplyRequestStats(id string, stats ipc.RequestStats) bool
	UpdateHealth(id string, score int, status types.HealthStatus)
	RefreshWorkers(ctx context.Context)
	WorkerMetrics(id string) (metrics.WorkerMetrics, bool)
}

// EventPublisher receives lifecycle events; Publish must not block
type EventPublisher interface {
	Publish(event types.WorkerEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(types.WorkerEvent) {}

// Option configures a Pool
type Option func(*Pool)

// WithSpawner replaces the os/exec spawner
func WithSpawner(s supervisor.Spawner) Option {
	return func(p *Pool) { p.spawner = s }
}

// WithEvents publishes lifecycle events to pub
func WithEvents(pub EventPublisher) Option {
	return func(p *Pool) { p.events = pub }
}

// WithTracer traces start, restart, scale and shutdown operations
func WithTracer(th *telemetry.TraceHelper) Option {
	return func(p *Pool) { p.tracer = th }
}

// Pool is the worker pool manager
type Pool struct {
	cfg     *config.Config
	logger  *zap.Logger
	spawner supervisor.Spawner
	metrics Metrics
	events  EventPublisher
	tracer  *telemetry.TraceHelper
	now     func() time.Time

	optimalSize int
	maxSize     int

	// baseCtx bounds background work; it is cancelled when shutdown begins
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu            sync.Mutex
	active        map[string]*worker
	pending       map[string]*worker
	draining      map[string]*worker
	dead          *deadArchive
	reserved      int
	surplus       int
	currentSize   int
	targetSize    int
	totalRestarts int
	restarts      map[string]*restartTask
	shuttingDown  bool
	advice        types.WorkerEventType

	background sync.WaitGroup
	readers    sync.WaitGroup

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error
}

// New creates a pool. The optimal size is computed once, here, from the
// configured count and the host's current CPU and memory.
func New(cfg *config.Config, collector Metrics, provider platform.Provider, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if ipc.IsWorkerProcess() {
		return nil, lifecycleError(CodeNotSupervisor, "", "create pool", ErrNotSupervisor)
	}

	memPercent := 0.0
	if mem, err := provider.Memory(context.Background()); err != nil {
		logger.Warn("Failed to read system memory, sizing without memory pressure", zap.Error(err))
	} else {
		memPercent = mem.UsedPercent
	}
	cpus := provider.CPUCount()

	maxSize := cfg.Autoscaling.MaxWorkers
	if maxSize < 1 {
		maxSize = 2 * cpus
	}
	optimal := OptimalWorkerCount(cfg.Workers.Count, cpus, memPercent)
	if optimal > maxSize {
		optimal = maxSize
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:          cfg,
		logger:       logger,
		metrics:      collector,
		events:       nopPublisher{},
		tracer:       telemetry.NoopTraceHelper(),
		now:          time.Now,
		optimalSize:  optimal,
		maxSize:      maxSize,
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
		active:       make(map[string]*worker),
		pending:      make(map[string]*worker),
		draining:     make(map[string]*worker),
		dead:         newDeadArchive(cfg.Monitoring.DeadArchiveSize),
		restarts:     make(map[string]*restartTask),
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.spawner == nil {
		p.spawner = supervisor.NewExecSpawner(logger)
	}

	logger.Info("Worker pool sized",
		zap.String("configured", cfg.Workers.Count.String()),
		zap.Int("cpus", cpus),
		zap.Float64("memory_percent", memPercent),
		zap.Int("optimal", optimal),
		zap.Int("max", maxSize))

	return p, nil
}

// Start forks the optimal number of workers, runs the health monitor until
// ctx is cancelled and then shuts the pool down
func (p *Pool) Start(ctx context.Context) error {
	if err := p.StartWorkers(ctx, p.optimalSize); err != nil {
		p.logger.Error("Some workers failed to start", zap.Error(err))
		if p.Size() == 0 && ctx.Err() == nil {
			_ = p.shutdownWithBudget()
			return fmt.Errorf("no workers started: %w", err)
		}
	}

	p.monitor(ctx)

	return p.shutdownWithBudget()
}

func (p *Pool) shutdownWithBudget() error {
	budget := p.cfg.Shutdown.Timeout + p.cfg.Shutdown.KillTimeout + readerDrainTimeout
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	return p.GracefulShutdown(ctx)
}

// StartWorkers forks n workers in batches. Failed starts do not stop the
// remaining ones; their errors are joined in the result.
func (p *Pool) StartWorkers(ctx context.Context, n int) error {
	if ipc.IsWorkerProcess() {
		return lifecycleError(CodeNotSupervisor, "", "start", ErrNotSupervisor)
	}
	if n <= 0 {
		return nil
	}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return lifecycleError(CodeShuttingDown, "", "start", ErrShuttingDown)
	}
	p.targetSize = clamp(p.sizeLocked()+n, 1, p.maxSize)
	p.mu.Unlock()

	return p.tracer.TraceFunc(ctx, telemetry.TraceWorkerStart, "worker start failed", func(ctx context.Context) error {
		return p.startBatches(ctx, n)
	}, attribute.Int(telemetry.AttrWorkerCount, n))
}

// StartSingleWorker forks one worker and waits for it to come online
func (p *Pool) StartSingleWorker(ctx context.Context) (WorkerInfo, error) {
	if ipc.IsWorkerProcess() {
		return WorkerInfo{}, lifecycleError(CodeNotSupervisor, "", "start", ErrNotSupervisor)
	}
	w, err := p.startWorker(ctx, restartCarry{})
	if err != nil {
		return WorkerInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return w.info(), nil
}

func (p *Pool) startBatches(ctx context.Context, n int) error {
	batch := p.cfg.Workers.BatchSize
	if batch < 1 {
		batch = config.DefaultBatchSize
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	for started := 0; started < n; started += batch {
		if started > 0 {
			select {
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("start interrupted after %d of %d workers: %w", started, n, ctx.Err()))
				return errors.Join(errs...)
			case <-time.After(p.cfg.Workers.BatchDelay):
			}
		}

		size := min(batch, n-started)
		var wg sync.WaitGroup
		for i := 0; i < size; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := p.startWorker(ctx, restartCarry{}); err != nil && !errors.Is(err, ErrScaledDown) {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
	}
	return errors.Join(errs...)
}

// restartCarry is the backoff state a replacement inherits
type restartCarry struct {
	slot  string
	count int
	at    time.Time
}

func (p *Pool) spec(id string) supervisor.Spec {
	return supervisor.Spec{
		WorkerID: id,
		Command:  p.cfg.Workers.Command,
		Args:     p.cfg.Workers.Args,
		Env:      p.cfg.Workers.Env,
		Dir:      p.cfg.Workers.WorkDir,
	}
}

// startWorker forks one worker and waits for its online message
func (p *Pool) startWorker(ctx context.Context, carry restartCarry) (*worker, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, lifecycleError(CodeShuttingDown, "", "start", ErrShuttingDown)
	}
	if p.sizeLocked()+p.reserved >= p.maxSize {
		p.mu.Unlock()
		return nil, lifecycleError(CodeAtCapacity, "", "start", fmt.Errorf("%w (%d)", ErrAtCapacity, p.maxSize))
	}
	p.reserved++
	p.mu.Unlock()

	id := uuid.NewString()
	var w *worker
	err := p.tracer.TraceWorkerOperationFunc(ctx, id, "start", func(ctx context.Context) error {
		var err error
		w, err = p.spawnAndWait(ctx, id, carry)
		return err
	})
	return w, err
}

func (p *Pool) spawnAndWait(ctx context.Context, id string, carry restartCarry) (*worker, error) {
	proc, err := p.spawner.Spawn(ctx, p.spec(id))

	p.mu.Lock()
	p.reserved--
	if p.surplus > 0 {
		p.surplus--
		p.mu.Unlock()
		if err == nil {
			p.discard(proc)
		}
		return nil, ErrScaledDown
	}
	if err != nil {
		p.mu.Unlock()
		le := lifecycleError(CodeForkFailed, id, "start", err)
		p.reportError(le)
		return nil, le
	}
	if p.shuttingDown {
		p.mu.Unlock()
		p.discard(proc)
		return nil, lifecycleError(CodeShuttingDown, id, "start", ErrShuttingDown)
	}

	now := p.now()
	slot := carry.slot
	if slot == "" {
		slot = id
	}
	w := &worker{
		id:            id,
		slot:          slot,
		pid:           proc.PID(),
		state:         types.WorkerStatePending,
		restartCount:  carry.count,
		lastRestartAt: carry.at,
		healthScore:   100,
		healthStatus:  types.HealthStatusHealthy,
		startedAt:     now,
		lastHeard:     now,
		proc:          proc,
		online:        make(chan struct{}),
		exited:        make(chan struct{}),
	}
	p.pending[id] = w
	p.mu.Unlock()

	p.metrics.RegisterWorker(id, w.pid)
	p.watch(w)

	timer := time.NewTimer(p.cfg.Workers.OnlineTimeout)
	defer timer.Stop()

	var le *LifecycleError
	select {
	case <-w.online:
		p.mu.Lock()
		if w.state != types.WorkerStatePending {
			stopped := w.stopping && w.stopReason == ReasonStopped
			p.mu.Unlock()
			if stopped {
				return nil, ErrScaledDown
			}
			le = lifecycleError(CodePrematureExit, id, "start", fmt.Errorf("worker exited right after coming online"))
			break
		}
		delete(p.pending, id)
		w.state = types.WorkerStateActive
		p.active[id] = w
		p.currentSize = len(p.active)
		p.mu.Unlock()

		p.logger.Info("Worker online",
			zap.String("worker_id", id),
			zap.Int("pid", w.pid),
			zap.Int("restart_count", w.restartCount))
		p.emit(types.WorkerEvent{
			Type:     types.EventWorkerStarted,
			WorkerID: id,
			PID:      w.pid,
			Message:  "Worker started",
		})
		return w, nil

	case <-w.exited:
		p.mu.Lock()
		stopped := w.stopping && w.stopReason == ReasonStopped
		p.mu.Unlock()
		if stopped {
			return nil, ErrScaledDown
		}
		le = lifecycleError(CodePrematureExit, id, "start",
			fmt.Errorf("worker exited before coming online: %s", w.proc.ExitStatus()))

	case <-timer.C:
		p.kill(w, ReasonStartFailed)
		le = lifecycleError(CodeOnlineTimeout, id, "start",
			fmt.Errorf("no online message within %s", p.cfg.Workers.OnlineTimeout))

	case <-ctx.Done():
		p.kill(w, ReasonStartFailed)
		le = lifecycleError(CodeOnlineTimeout, id, "start", ctx.Err())
	}

	p.mu.Lock()
	if p.shuttingDown {
		le = lifecycleError(CodeShuttingDown, id, "start", ErrShuttingDown)
	}
	p.mu.Unlock()

	p.reportError(le)
	return nil, le
}

// discard kills a process that never became a tracked worker
func (p *Pool) discard(proc supervisor.Process) {
	_ = proc.Signal(unix.SIGKILL)
	<-proc.Done()
	proc.Conn().Close()
}

// kill stops a worker without draining
func (p *Pool) kill(w *worker, reason string) {
	p.mu.Lock()
	if w.state == types.WorkerStateDead {
		p.mu.Unlock()
		return
	}
	w.stopping = true
	w.stopReason = reason
	p.mu.Unlock()

	if err := w.proc.Signal(unix.SIGKILL); err != nil {
		p.logger.Debug("Failed to kill worker", zap.String("worker_id", w.id), zap.Error(err))
	}
}

// watch reads the worker's messages and reports its exit, in that order
func (p *Pool) watch(w *worker) {
	conn := w.proc.Conn()
	drained := make(chan struct{})

	p.readers.Add(2)
	go func() {
		defer p.readers.Done()
		defer close(drained)
		p.readMessages(w, conn)
	}()
	go func() {
		defer p.readers.Done()
		<-w.proc.Done()

		timer := time.NewTimer(readerDrainTimeout)
		select {
		case <-drained:
		case <-timer.C:
			p.logger.Debug("Worker channel still open after exit", zap.String("worker_id", w.id))
		}
		timer.Stop()

		conn.Close()
		p.handleExit(w, w.proc.ExitStatus())
	}()
}

func (p *Pool) readMessages(w *worker, conn *ipc.Conn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			var decodeErr *ipc.DecodeError
			if errors.As(err, &decodeErr) {
				p.logger.Warn("Discarding malformed worker message",
					zap.String("worker_id", w.id),
					zap.Error(err))
				continue
			}
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("Worker channel closed", zap.String("worker_id", w.id), zap.Error(err))
			}
			return
		}
		p.handleMessage(w, msg)
	}
}

func (p *Pool) handleMessage(w *worker, msg ipc.Message) {
	p.mu.Lock()
	if w.state == types.WorkerStateDead {
		p.mu.Unlock()
		return
	}
	w.lastHeard = p.now()

	var (
		score  int
		status types.HealthStatus
	)
	switch m := msg.(type) {
	case ipc.Online:
		if !w.announced {
			w.announced = true
			close(w.online)
		}
	case ipc.Listening:
		w.address = m.Address
	case ipc.HealthCheck:
		w.reportedStatus = m.Status
		if m.Status == string(types.HealthStatusHealthy) {
			w.consecutiveFailures = 0
		} else {
			w.consecutiveFailures++
		}
		w.healthScore = m.Score
		w.healthStatus = StatusFor(m.Score)
		score, status = w.healthScore, w.healthStatus
	}
	id, pid := w.id, w.pid
	p.mu.Unlock()

	switch m := msg.(type) {
	case ipc.Online:
	case ipc.Listening:
		p.logger.Debug("Worker listening", zap.String("worker_id", id), zap.String("address", m.Address))
	case ipc.HealthCheck:
		p.metrics.UpdateHealth(id, score, status)
	case ipc.MetricsUpdate:
		p.metrics.ApplyMetricsUpdate(id, m)
	case ipc.RequestStats:
		p.metrics.ApplyRequestStats(id, m)
	case ipc.MemoryWarning:
		p.logger.Warn("Worker memory warning",
			zap.String("worker_id", id),
			zap.String("message", m.Message),
			zap.Float64("usage", m.Usage))
		if m.Usage > 0.9 {
			p.emit(types.WorkerEvent{
				Type:     types.EventMemoryCritical,
				WorkerID: id,
				PID:      pid,
				Severity: types.SeverityCritical,
				Message:  m.Message,
				Details:  map[string]interface{}{"usage": m.Usage},
			})
		}
	default:
		payload, err := ipc.Encode(msg)
		if err != nil {
			p.logger.Warn("Failed to encode worker message", zap.String("worker_id", id), zap.Error(err))
		}
		p.emit(types.WorkerEvent{
			Type:     types.EventWorkerMessage,
			WorkerID: id,
			PID:      pid,
			Message:  string(msg.Type()),
			Details: map[string]interface{}{
				"message_type": string(msg.Type()),
				"payload":      string(payload),
			},
		})
	}
}

func (p *Pool) handleExit(w *worker, exit supervisor.Exit) {
	now := p.now()

	p.mu.Lock()
	if w.state == types.WorkerStateDead {
		p.mu.Unlock()
		return
	}
	prev := w.state
	delete(p.active, w.id)
	delete(p.pending, w.id)
	delete(p.draining, w.id)
	w.state = types.WorkerStateDead
	w.healthScore = 0
	w.healthStatus = types.HealthStatusDead
	p.currentSize = len(p.active)

	reason := deathReason(prev, w, exit)
	p.dead.add(DeadWorker{
		ID:           w.id,
		PID:          w.pid,
		DiedAt:       now,
		Reason:       reason,
		ExitCode:     exit.Code,
		Signal:       exit.Signal,
		RestartCount: w.restartCount,
	})

	var (
		task         *restartTask
		limitReached bool
	)
	if prev != types.WorkerStatePending {
		task, limitReached = p.planRestart(w, exit, now)
		if task != nil {
			p.scheduleRestartLocked(task)
		}
	}
	p.mu.Unlock()

	close(w.exited)
	p.metrics.RemoveWorker(w.id)

	severity := types.SeverityInfo
	if reason == ReasonCrashed || reason == ReasonSignaled {
		severity = types.SeverityWarning
	}
	code := exit.Code
	p.logger.Info("Worker exited",
		zap.String("worker_id", w.id),
		zap.Int("pid", w.pid),
		zap.String("reason", reason),
		zap.String("status", exit.String()),
		zap.Bool("restart_scheduled", task != nil))
	details := map[string]interface{}{
		"reason":        reason,
		"restart_count": w.restartCount,
	}
	if task != nil {
		details["restart_delay_ms"] = task.delay.Milliseconds()
	}
	p.emit(types.WorkerEvent{
		Type:     types.EventWorkerDied,
		WorkerID: w.id,
		PID:      w.pid,
		ExitCode: &code,
		Signal:   exit.Signal,
		Severity: severity,
		Message:  "Worker " + exit.String(),
		Details:  details,
	})

	if limitReached {
		p.reportError(lifecycleError(CodeRestartLimit, w.id, "restart",
			fmt.Errorf("restart limit of %d reached", p.cfg.Restart.MaxRestarts)))
	}
}

func deathReason(prev types.WorkerState, w *worker, exit supervisor.Exit) string {
	switch {
	case w.stopping && w.stopReason != "":
		return w.stopReason
	case prev == types.WorkerStatePending:
		return ReasonStartFailed
	case w.stopping:
		return ReasonStopped
	case exit.Signaled():
		return ReasonSignaled
	case exit.Code != 0:
		return ReasonCrashed
	default:
		return ReasonExited
	}
}

// sizeLocked counts workers that are running or about to run
func (p *Pool) sizeLocked() int {
	return len(p.active) + len(p.pending)
}

func (p *Pool) emit(event types.WorkerEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	p.events.Publish(event)
}

// reportError logs a lifecycle failure and publishes it as an event
func (p *Pool) reportError(le *LifecycleError) {
	if errors.Is(le, ErrShuttingDown) {
		p.logger.Debug("Lifecycle operation rejected during shutdown", zap.Error(le))
		return
	}
	p.logger.Error("Worker lifecycle failure",
		zap.String("code", string(le.Code)),
		zap.String("worker_id", le.WorkerID),
		zap.String("op", le.Op),
		zap.Error(le.Err))
	p.emit(types.WorkerEvent{
		Type:     types.EventLifecycleError,
		WorkerID: le.WorkerID,
		Code:     string(le.Code),
		Severity: le.Code.Severity(),
		Message:  le.Error(),
	})
}
