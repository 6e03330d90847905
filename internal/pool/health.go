package pool

import "github.com/cboxdk/worker-pool-manager/internal/types"

// HealthInputs are the signals a worker's health score is derived from
type HealthInputs struct {
	CPUPercent          float64
	MemoryPercent       float64
	Requests            uint64
	Errors              uint64
	AverageResponseMs   float64
	EventLoopDelayMs    float64
	ConsecutiveFailures int
}

type penaltyStep struct {
	above   float64
	penalty int
}

// Steps are ordered most severe first; only the first match applies.
var (
	cpuPenalties       = []penaltyStep{{90, 30}, {80, 20}, {60, 10}}
	memoryPenalties    = []penaltyStep{{95, 40}, {90, 30}, {70, 15}}
	errorRatePenalties = []penaltyStep{{15, 35}, {10, 25}, {5, 10}}
	latencyPenalties   = []penaltyStep{{5000, 25}, {2000, 15}, {1000, 5}}
	eventLoopPenalties = []penaltyStep{{100, 20}, {50, 10}}
)

const failurePenalty = 10

func penalty(value float64, steps []penaltyStep) int {
	for _, s := range steps {
		if value > s.above {
			return s.penalty
		}
	}
	return 0
}

// ComputeHealthScore returns a score in [0, 100]
func ComputeHealthScore(in HealthInputs) int {
	score := 100
	score -= penalty(in.CPUPercent, cpuPenalties)
	score -= penalty(in.MemoryPercent, memoryPenalties)
	if in.Requests > 0 {
		score -= penalty(float64(in.Errors)/float64(in.Requests)*100, errorRatePenalties)
	}
	score -= penalty(in.AverageResponseMs, latencyPenalties)
	score -= penalty(in.EventLoopDelayMs, eventLoopPenalties)
	if in.ConsecutiveFailures > 0 {
		score -= failurePenalty * in.ConsecutiveFailures
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// StatusFor maps a score to its status band. The score already carries the
// consecutive-failure penalty.
func StatusFor(score int) types.HealthStatus {
	switch {
	case score >= 80:
		return types.HealthStatusHealthy
	case score >= 50:
		return types.HealthStatusWarning
	default:
		return types.HealthStatusCritical
	}
}

// staleScoreCeiling is the highest score a silent worker may keep; it sits
// just under the warning band.
const staleScoreCeiling = 49
