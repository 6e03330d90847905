package pool

import (
	"testing"
	"time"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

func TestOptimalWorkerCount(t *testing.T) {
	tests := []struct {
		name   string
		count  config.WorkerCount
		cpus   int
		memory float64
		want   int
	}{
		{"auto high memory pressure", config.AutoWorkers(), 4, 85, 1},
		{"auto moderate memory pressure", config.AutoWorkers(), 8, 65, 5},
		{"auto low memory pressure", config.AutoWorkers(), 8, 20, 7},
		{"auto single core", config.AutoWorkers(), 1, 10, 1},
		{"auto capped", config.AutoWorkers(), 64, 10, config.AutoWorkerCap},
		{"unset count is auto", config.WorkerCount{}, 4, 10, 3},
		{"explicit", config.Workers(3), 4, 99, 3},
		{"explicit above twice cpus", config.Workers(20), 4, 10, 8},
		{"explicit below minimum", config.Workers(-2), 4, 10, 1},
		{"zero cpus treated as one", config.AutoWorkers(), 0, 10, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OptimalWorkerCount(tt.count, tt.cpus, tt.memory); got != tt.want {
				t.Errorf("OptimalWorkerCount(%s, %d, %.0f) = %d, want %d",
					tt.count, tt.cpus, tt.memory, got, tt.want)
			}
		})
	}
}

func TestComputeHealthScore(t *testing.T) {
	tests := []struct {
		name string
		in   HealthInputs
		want int
	}{
		{"idle worker", HealthInputs{}, 100},
		{"cpu saturated", HealthInputs{CPUPercent: 95, MemoryPercent: 50, AverageResponseMs: 200, EventLoopDelayMs: 10}, 70},
		{"cpu boundary not penalised", HealthInputs{CPUPercent: 60}, 100},
		{"cpu elevated", HealthInputs{CPUPercent: 81}, 80},
		{"memory critical", HealthInputs{MemoryPercent: 96}, 60},
		{"memory high", HealthInputs{MemoryPercent: 91}, 70},
		{"memory elevated", HealthInputs{MemoryPercent: 71}, 85},
		{"error rate ignored without traffic", HealthInputs{Errors: 0, Requests: 0}, 100},
		{"error rate severe", HealthInputs{Requests: 100, Errors: 20}, 65},
		{"error rate high", HealthInputs{Requests: 100, Errors: 11}, 75},
		{"error rate elevated", HealthInputs{Requests: 100, Errors: 6}, 90},
		{"slow responses", HealthInputs{AverageResponseMs: 6000}, 75},
		{"event loop lagging", HealthInputs{EventLoopDelayMs: 150}, 80},
		{"consecutive failures", HealthInputs{ConsecutiveFailures: 3}, 70},
		{"clamped at zero", HealthInputs{
			CPUPercent:          99,
			MemoryPercent:       99,
			Requests:            10,
			Errors:              10,
			AverageResponseMs:   9000,
			EventLoopDelayMs:    500,
			ConsecutiveFailures: 4,
		}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeHealthScore(tt.in); got != tt.want {
				t.Errorf("ComputeHealthScore(%+v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		score int
		want  types.HealthStatus
	}{
		{100, types.HealthStatusHealthy},
		{80, types.HealthStatusHealthy},
		{79, types.HealthStatusWarning},
		{70, types.HealthStatusWarning},
		{50, types.HealthStatusWarning},
		{49, types.HealthStatusCritical},
		{0, types.HealthStatusCritical},
	}

	for _, tt := range tests {
		if got := StatusFor(tt.score); got != tt.want {
			t.Errorf("StatusFor(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestRestartDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	tests := []struct {
		count int
		want  time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{40, 30 * time.Second},
	}

	prev := time.Duration(0)
	for _, tt := range tests {
		got := RestartDelay(base, max, tt.count)
		if got != tt.want {
			t.Errorf("RestartDelay(%s, %s, %d) = %s, want %s", base, max, tt.count, got, tt.want)
		}
		if got < prev {
			t.Errorf("RestartDelay decreased at count %d: %s < %s", tt.count, got, prev)
		}
		prev = got
	}
}

func TestDeadArchiveEvictsOldest(t *testing.T) {
	a := newDeadArchive(2)
	a.add(DeadWorker{ID: "a"})
	a.add(DeadWorker{ID: "b"})
	a.add(DeadWorker{ID: "c"})

	got := a.list()
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("archive = %+v, want [b c]", got)
	}
}

func TestErrorCodeSeverity(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want types.Severity
	}{
		{CodeForkFailed, types.SeverityCritical},
		{CodeOnlineTimeout, types.SeverityError},
		{CodeRestartLimit, types.SeverityError},
		{CodeSendFailed, types.SeverityWarning},
		{CodeAtCapacity, types.SeverityWarning},
	}
	for _, tt := range tests {
		if got := tt.code.Severity(); got != tt.want {
			t.Errorf("%s.Severity() = %s, want %s", tt.code, got, tt.want)
		}
	}
}
