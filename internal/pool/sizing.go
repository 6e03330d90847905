package pool

import (
	"math"

	"github.com/cboxdk/worker-pool-manager/internal/config"
)

// OptimalWorkerCount sizes the pool from the configured count, the number
// of logical CPUs and current system memory utilization in percent.
//
// An explicit count is clamped to [1, 2×cpus]. Automatic sizing starts at
// one worker per core, drops to 75% or 50% of that above 60% or 80% memory
// use, leaves one core to the supervisor and caps the result.
func OptimalWorkerCount(count config.WorkerCount, cpus int, memoryPercent float64) int {
	if cpus < 1 {
		cpus = 1
	}

	if !count.Auto && !count.IsZero() {
		return clamp(count.Value, config.MinWorkerCount, 2*cpus)
	}

	n := cpus
	switch {
	case memoryPercent > 80:
		n = int(math.Ceil(float64(cpus) * 0.5))
	case memoryPercent > 60:
		n = int(math.Ceil(float64(cpus) * 0.75))
	}
	n--

	return clamp(n, config.MinWorkerCount, config.AutoWorkerCap)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
