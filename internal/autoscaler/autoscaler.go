// Package autoscaler acts on the pool's scaling advice.
//
// The pool only publishes scale_up_needed and scale_down_possible events.
// When autoscaling is enabled the manager runs an Autoscaler that consumes
// those events and resizes the pool one step at a time, bounded by
// min_workers and max_workers and separated by a cooldown.
package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// Scaler is the part of the pool the autoscaler drives
type Scaler interface {
	Size() int
	ScaleWorkers(ctx context.Context, target int) error
}

// Decision describes one acted-on advice
type Decision struct {
	Advice types.WorkerEventType
	From   int
	To     int
	At     time.Time
}

// Autoscaler turns advisory events into ScaleWorkers calls
type Autoscaler struct {
	cfg    config.AutoscalingConfig
	scaler Scaler
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	running   bool
	lastScale time.Time
	decisions []Decision
}

// maxDecisions bounds the decision log
const maxDecisions = 50

// New validates the bounds and returns an idle autoscaler
func New(cfg config.AutoscalingConfig, scaler Scaler, logger *zap.Logger) (*Autoscaler, error) {
	if scaler == nil {
		return nil, fmt.Errorf("scaler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.MinWorkers < 1 || cfg.MaxWorkers < cfg.MinWorkers {
		return nil, fmt.Errorf("%w: workers must satisfy 1 <= min (%d) <= max (%d)",
			ErrInvalidConfiguration, cfg.MinWorkers, cfg.MaxWorkers)
	}
	if cfg.Step < 1 {
		return nil, fmt.Errorf("%w: step must be positive, got %d", ErrInvalidConfiguration, cfg.Step)
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("%w: cooldown cannot be negative", ErrInvalidConfiguration)
	}
	return &Autoscaler{
		cfg:    cfg,
		scaler: scaler,
		logger: logger.With(zap.String("component", "autoscaler")),
		now:    time.Now,
	}, nil
}

// Run consumes events until ctx is done or the channel closes
func (a *Autoscaler) Run(ctx context.Context, events <-chan types.WorkerEvent) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	a.logger.Info("Autoscaler started",
		zap.Int("min_workers", a.cfg.MinWorkers),
		zap.Int("max_workers", a.cfg.MaxWorkers),
		zap.Int("step", a.cfg.Step),
		zap.Duration("cooldown", a.cfg.Cooldown))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := a.Handle(ctx, event); err != nil {
				a.logger.Warn("Scaling advice not applied", zap.Error(err))
			}
		}
	}
}

// Handle applies a single advice event. It returns false without error
// when the event is not advice, the cooldown is active or the pool is
// already at its bound.
func (a *Autoscaler) Handle(ctx context.Context, event types.WorkerEvent) (bool, error) {
	var operation string
	switch event.Type {
	case types.EventScaleUpNeeded:
		operation = "scale_up"
	case types.EventScaleDownPossible:
		operation = "scale_down"
	default:
		return false, nil
	}

	now := a.now()
	a.mu.Lock()
	if !a.lastScale.IsZero() && now.Sub(a.lastScale) < a.cfg.Cooldown {
		a.mu.Unlock()
		a.logger.Debug("Scaling advice ignored during cooldown",
			zap.String("advice", string(event.Type)),
			zap.Duration("remaining", a.cfg.Cooldown-now.Sub(a.lastScale)))
		return false, nil
	}
	a.mu.Unlock()

	from := a.scaler.Size()
	to := a.target(event.Type, from)
	if to == from {
		a.logger.Debug("Pool already at bound", zap.String("advice", string(event.Type)), zap.Int("workers", from))
		return false, nil
	}

	a.logger.Info("Acting on scaling advice",
		zap.String("advice", string(event.Type)),
		zap.Int("from", from),
		zap.Int("to", to))

	// cooldown counts from the attempt, successful or not
	a.mu.Lock()
	a.lastScale = now
	a.mu.Unlock()

	if err := a.scaler.ScaleWorkers(ctx, to); err != nil {
		if errors.Is(err, context.Canceled) {
			return false, nil
		}
		return false, &ScalingError{Operation: operation, From: from, To: to, Cause: err}
	}

	a.record(Decision{Advice: event.Type, From: from, To: to, At: now})
	return true, nil
}

func (a *Autoscaler) target(advice types.WorkerEventType, current int) int {
	next := current
	if advice == types.EventScaleUpNeeded {
		next += a.cfg.Step
	} else {
		next -= a.cfg.Step
	}
	if next < a.cfg.MinWorkers {
		next = a.cfg.MinWorkers
	}
	if next > a.cfg.MaxWorkers {
		next = a.cfg.MaxWorkers
	}
	// never move against the advice when current is already out of bounds
	if advice == types.EventScaleUpNeeded && next < current {
		return current
	}
	if advice == types.EventScaleDownPossible && next > current {
		return current
	}
	return next
}

func (a *Autoscaler) record(d Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, d)
	if len(a.decisions) > maxDecisions {
		a.decisions = a.decisions[len(a.decisions)-maxDecisions:]
	}
}

// Decisions returns the applied decisions, oldest first
func (a *Autoscaler) Decisions() []Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Decision, len(a.decisions))
	copy(out, a.decisions)
	return out
}
