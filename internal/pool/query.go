package pool

import (
	"sort"
	"time"

	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// WorkerHealth is the health view of one worker
type WorkerHealth struct {
	WorkerID            string             `json:"workerId"`
	Score               int                `json:"score"`
	Status              types.HealthStatus `json:"status"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
	ReportedStatus      string             `json:"reportedStatus,omitempty"`
	LastHeard           time.Time          `json:"lastHeard"`
}

// Status aggregates the pool's bookkeeping
type Status struct {
	Active          int            `json:"active"`
	Pending         int            `json:"pending"`
	Draining        int            `json:"draining"`
	Dead            int            `json:"dead"`
	CurrentSize     int            `json:"currentSize"`
	TargetSize      int            `json:"targetSize"`
	MaxSize         int            `json:"maxSize"`
	OptimalSize     int            `json:"optimalSize"`
	AverageHealth   float64        `json:"averageHealth"`
	TotalRestarts   int            `json:"totalRestarts"`
	PendingRestarts int            `json:"pendingRestarts"`
	ShuttingDown    bool           `json:"shuttingDown"`
	ByHealth        map[string]int `json:"byHealth"`
}

// Size is the number of active workers
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSize
}

// OptimalSize is the worker count computed at construction
func (p *Pool) OptimalSize() int { return p.optimalSize }

// MaxSize is the upper bound on live workers
func (p *Pool) MaxSize() int { return p.maxSize }

// Worker returns a worker that is pending, active or draining
func (p *Pool) Worker(id string) (WorkerInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.lookupLocked(id); w != nil {
		return w.info(), true
	}
	return WorkerInfo{}, false
}

// WorkerHealth returns the current health of a live worker
func (p *Pool) WorkerHealth(id string) (WorkerHealth, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.lookupLocked(id)
	if w == nil {
		return WorkerHealth{}, false
	}
	return WorkerHealth{
		WorkerID:            w.id,
		Score:               w.healthScore,
		Status:              w.healthStatus,
		ConsecutiveFailures: w.consecutiveFailures,
		ReportedStatus:      w.reportedStatus,
		LastHeard:           w.lastHeard,
	}, true
}

// ActiveWorkers lists active workers ordered by start time
func (p *Pool) ActiveWorkers() []WorkerInfo {
	return p.listActive(func(*worker) bool { return true })
}

// HealthyWorkers lists active workers whose status is healthy
func (p *Pool) HealthyWorkers() []WorkerInfo {
	return p.listActive(func(w *worker) bool { return w.healthStatus == types.HealthStatusHealthy })
}

// DeadWorkers returns the archive of recently dead workers, oldest first
func (p *Pool) DeadWorkers() []DeadWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead.list()
}

// Status returns pool-wide counts and the average health of active workers
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Active:          len(p.active),
		Pending:         len(p.pending),
		Draining:        len(p.draining),
		Dead:            p.dead.len(),
		CurrentSize:     p.currentSize,
		TargetSize:      p.targetSize,
		MaxSize:         p.maxSize,
		OptimalSize:     p.optimalSize,
		TotalRestarts:   p.totalRestarts,
		PendingRestarts: len(p.restarts),
		ShuttingDown:    p.shuttingDown,
		ByHealth:        make(map[string]int),
	}
	total := 0
	for _, w := range p.active {
		total += w.healthScore
		st.ByHealth[string(w.healthStatus)]++
	}
	if len(p.active) > 0 {
		st.AverageHealth = float64(total) / float64(len(p.active))
	}
	return st
}

func (p *Pool) lookupLocked(id string) *worker {
	if w, ok := p.active[id]; ok {
		return w
	}
	if w, ok := p.pending[id]; ok {
		return w
	}
	return p.draining[id]
}

func (p *Pool) listActive(keep func(*worker) bool) []WorkerInfo {
	p.mu.Lock()
	out := make([]WorkerInfo, 0, len(p.active))
	for _, w := range p.active {
		if keep(w) {
			out = append(out, w.info())
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func sortPendingRestarts(rs []PendingRestart) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Due.Before(rs[j].Due) })
}
