package telemetry

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/cboxdk/worker-pool-manager/internal/types"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(types.WorkerEvent{Type: types.EventScaleUpNeeded})

	for name, ch := range map[string]<-chan types.WorkerEvent{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Type != types.EventScaleUpNeeded {
				t.Errorf("%s: unexpected type %s", name, ev.Type)
			}
			if ev.Timestamp.IsZero() || ev.Severity != types.SeverityInfo {
				t.Errorf("%s: expected defaults to be filled", name)
			}
		default:
			t.Errorf("%s: no event delivered", name)
		}
	}
}

func TestBusNeverBlocks(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	slow, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(types.WorkerEvent{Type: types.EventWorkerStarted})
	}

	if got := bus.Dropped(); got != 4 {
		t.Errorf("expected 4 dropped deliveries, got %d", got)
	}
	if len(slow) != 1 {
		t.Errorf("expected buffered event, got %d", len(slow))
	}
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after unsubscribe")
	}

	other, _ := bus.Subscribe(1)
	bus.Close()
	if _, ok := <-other; ok {
		t.Error("expected closed channel after bus close")
	}

	late, _ := bus.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("expected closed channel when subscribing to closed bus")
	}
	bus.Publish(types.WorkerEvent{Type: types.EventWorkerStarted})
}
