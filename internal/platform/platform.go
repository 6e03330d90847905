// Package platform samples host and process resource usage for the pool
// manager and the metrics collector.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrProcessNotFound is returned when a pid no longer exists.
var ErrProcessNotFound = errors.New("process not found")

// Provider exposes the host measurements the pool depends on.
type Provider interface {
	// CPUCount returns the number of logical cores
	CPUCount() int

	// Memory returns system memory statistics
	Memory(ctx context.Context) (*MemoryInfo, error)

	// CPU returns per-core and averaged system CPU usage
	CPU(ctx context.Context) (*CPUInfo, error)

	// Processes samples several pids in one pass. Missing pids are absent
	// from the result rather than an error.
	Processes(ctx context.Context, pids []int) (map[int]*ProcessInfo, error)

	// Process samples a single pid
	Process(ctx context.Context, pid int) (*ProcessInfo, error)
}

// MemoryInfo represents system memory statistics
type MemoryInfo struct {
	TotalBytes     uint64    `json:"total_bytes"`
	AvailableBytes uint64    `json:"available_bytes"`
	UsedBytes      uint64    `json:"used_bytes"`
	FreeBytes      uint64    `json:"free_bytes"`
	UsedPercent    float64   `json:"used_percent"`
	Timestamp      time.Time `json:"timestamp"`
}

// CPUInfo is system CPU usage in percent
type CPUInfo struct {
	PerCore   []float64 `json:"per_core"`
	Average   float64   `json:"average"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessInfo represents resource usage of one process
type ProcessInfo struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSS     uint64  `json:"memory_rss"`
	MemoryPercent float64 `json:"memory_percent"`
	NumThreads    int32   `json:"num_threads"`
}

// CoreTimes are cumulative CPU times for one core, in seconds.
type CoreTimes struct {
	Idle  float64
	Total float64
}

// CoreUsage converts per-core time counters into percentages. When prev is
// non-nil and aligned with cur, usage is computed over the interval between
// them; otherwise over the cumulative counters.
func CoreUsage(prev, cur []CoreTimes) []float64 {
	usage := make([]float64, len(cur))
	for i, c := range cur {
		idle, total := c.Idle, c.Total
		if len(prev) == len(cur) {
			di, dt := c.Idle-prev[i].Idle, c.Total-prev[i].Total
			if dt > 0 {
				idle, total = di, dt
			}
		}
		if total <= 0 {
			continue
		}
		usage[i] = clampPercent(100 - idle/total*100)
	}
	return usage
}

// Average returns the arithmetic mean of values, or 0 for an empty slice.
func Average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
