package autoscaler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

type fakeScaler struct {
	mu      sync.Mutex
	size    int
	err     error
	targets []int
}

func (f *fakeScaler) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *fakeScaler) ScaleWorkers(_ context.Context, target int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	if f.err != nil {
		return f.err
	}
	f.size = target
	return nil
}

func (f *fakeScaler) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.targets...)
}

func testConfig() config.AutoscalingConfig {
	return config.AutoscalingConfig{
		Enabled:    true,
		MinWorkers: 2,
		MaxWorkers: 5,
		Step:       2,
		Cooldown:   time.Minute,
	}
}

func advice(t types.WorkerEventType) types.WorkerEvent {
	return types.WorkerEvent{Type: t, Timestamp: time.Now()}
}

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tests := []struct {
		name   string
		mutate func(*config.AutoscalingConfig)
	}{
		{"min zero", func(c *config.AutoscalingConfig) { c.MinWorkers = 0 }},
		{"max below min", func(c *config.AutoscalingConfig) { c.MaxWorkers = 1 }},
		{"zero step", func(c *config.AutoscalingConfig) { c.Step = 0 }},
		{"negative cooldown", func(c *config.AutoscalingConfig) { c.Cooldown = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, &fakeScaler{}, logger)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}

	_, err := New(testConfig(), nil, logger)
	assert.Error(t, err)
	_, err = New(testConfig(), &fakeScaler{}, nil)
	assert.Error(t, err)
}

func TestHandleStepsWithinBounds(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		advice  types.WorkerEventType
		applied bool
		want    int
	}{
		{"scale up by step", 2, types.EventScaleUpNeeded, true, 4},
		{"scale up clamps to max", 4, types.EventScaleUpNeeded, true, 5},
		{"already at max", 5, types.EventScaleUpNeeded, false, 5},
		{"above max does not shrink on scale up", 7, types.EventScaleUpNeeded, false, 7},
		{"scale down by step", 5, types.EventScaleDownPossible, true, 3},
		{"scale down clamps to min", 3, types.EventScaleDownPossible, true, 2},
		{"already at min", 2, types.EventScaleDownPossible, false, 2},
		{"below min does not grow on scale down", 1, types.EventScaleDownPossible, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scaler := &fakeScaler{size: tt.size}
			a, err := New(testConfig(), scaler, zaptest.NewLogger(t))
			require.NoError(t, err)

			applied, err := a.Handle(context.Background(), advice(tt.advice))
			require.NoError(t, err)
			assert.Equal(t, tt.applied, applied)
			assert.Equal(t, tt.want, scaler.Size())
			if tt.applied {
				require.Len(t, a.Decisions(), 1)
				assert.Equal(t, tt.size, a.Decisions()[0].From)
				assert.Equal(t, tt.want, a.Decisions()[0].To)
			} else {
				assert.Empty(t, scaler.calls())
			}
		})
	}
}

func TestHandleIgnoresOtherEvents(t *testing.T) {
	scaler := &fakeScaler{size: 3}
	a, err := New(testConfig(), scaler, zaptest.NewLogger(t))
	require.NoError(t, err)

	for _, typ := range []types.WorkerEventType{types.EventWorkerStarted, types.EventWorkerDied} {
		applied, err := a.Handle(context.Background(), advice(typ))
		require.NoError(t, err)
		assert.False(t, applied)
	}
	assert.Empty(t, scaler.calls())
}

func TestHandleRespectsCooldown(t *testing.T) {
	scaler := &fakeScaler{size: 2}
	a, err := New(testConfig(), scaler, zaptest.NewLogger(t))
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	applied, err := a.Handle(context.Background(), advice(types.EventScaleUpNeeded))
	require.NoError(t, err)
	require.True(t, applied)

	now = now.Add(30 * time.Second)
	applied, err = a.Handle(context.Background(), advice(types.EventScaleDownPossible))
	require.NoError(t, err)
	assert.False(t, applied, "inside cooldown")

	now = now.Add(31 * time.Second)
	applied, err = a.Handle(context.Background(), advice(types.EventScaleDownPossible))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []int{4, 2}, scaler.calls())
}

func TestHandleWrapsScaleFailure(t *testing.T) {
	cause := errors.New("pool is shutting down")
	scaler := &fakeScaler{size: 2, err: cause}
	a, err := New(testConfig(), scaler, zaptest.NewLogger(t))
	require.NoError(t, err)

	applied, err := a.Handle(context.Background(), advice(types.EventScaleUpNeeded))
	assert.False(t, applied)
	var se *ScalingError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "scale_up", se.Operation)
	assert.Equal(t, 2, se.From)
	assert.Equal(t, 4, se.To)
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, a.Decisions())

	// the failed attempt still starts the cooldown
	scaler.mu.Lock()
	scaler.err = nil
	scaler.mu.Unlock()
	applied, err = a.Handle(context.Background(), advice(types.EventScaleUpNeeded))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRun(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 0
	scaler := &fakeScaler{size: 2}
	a, err := New(cfg, scaler, zaptest.NewLogger(t))
	require.NoError(t, err)

	events := make(chan types.WorkerEvent, 4)
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), events) }()

	events <- advice(types.EventScaleUpNeeded)
	events <- advice(types.EventWorkerStarted)
	events <- advice(types.EventScaleUpNeeded)
	close(events)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	assert.Equal(t, []int{4, 5}, scaler.calls())
	assert.Len(t, a.Decisions(), 2)
}

func TestRunRejectsSecondCall(t *testing.T) {
	a, err := New(testConfig(), &fakeScaler{size: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan types.WorkerEvent)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, events) }()

	assert.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.running
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, a.Run(ctx, events), ErrAlreadyRunning)

	cancel()
	require.NoError(t, <-done)
}
