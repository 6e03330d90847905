package pool

import (
	"time"

	"github.com/cboxdk/worker-pool-manager/internal/supervisor"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// worker is the manager's record of one process. Fields are guarded by the
// pool mutex except where noted.
type worker struct {
	id   string
	slot string // logical position, shared by a worker and its replacements
	pid  int

	state               types.WorkerState
	restartCount        int
	lastRestartAt       time.Time
	healthScore         int
	healthStatus        types.HealthStatus
	consecutiveFailures int
	reportedStatus      string
	address             string
	startedAt           time.Time
	lastHeard           time.Time
	stopping            bool
	stopReason          string
	announced           bool
	memoryCritical      bool

	// immutable after creation
	proc   supervisor.Process
	online chan struct{}
	exited chan struct{}
}

func (w *worker) info() WorkerInfo {
	return WorkerInfo{
		ID:                  w.id,
		PID:                 w.pid,
		State:               w.state,
		HealthScore:         w.healthScore,
		HealthStatus:        w.healthStatus,
		ConsecutiveFailures: w.consecutiveFailures,
		ReportedStatus:      w.reportedStatus,
		RestartCount:        w.restartCount,
		LastRestartAt:       w.lastRestartAt,
		Address:             w.address,
		StartedAt:           w.startedAt,
		LastHeard:           w.lastHeard,
	}
}

// WorkerInfo is a point-in-time copy of a worker record
type WorkerInfo struct {
	ID                  string             `json:"id"`
	PID                 int                `json:"pid"`
	State               types.WorkerState  `json:"state"`
	HealthScore         int                `json:"healthScore"`
	HealthStatus        types.HealthStatus `json:"healthStatus"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
	ReportedStatus      string             `json:"reportedStatus,omitempty"`
	RestartCount        int                `json:"restartCount"`
	LastRestartAt       time.Time          `json:"lastRestartAt,omitempty"`
	Address             string             `json:"address,omitempty"`
	StartedAt           time.Time          `json:"startedAt"`
	LastHeard           time.Time          `json:"lastHeard"`
}

// DeadWorker is the frozen record of a worker that has exited
type DeadWorker struct {
	ID           string    `json:"id"`
	PID          int       `json:"pid"`
	DiedAt       time.Time `json:"diedAt"`
	Reason       string    `json:"reason"`
	ExitCode     int       `json:"exitCode"`
	Signal       string    `json:"signal,omitempty"`
	RestartCount int       `json:"restartCount"`
}

// Death reasons recorded in the archive
const (
	ReasonStartFailed  = "start_failed"
	ReasonStopped      = "stopped"
	ReasonSignaled     = "signaled"
	ReasonCrashed      = "crashed"
	ReasonExited       = "exited"
	ReasonUnresponsive = "unresponsive"
	ReasonShutdown     = "shutdown"
)

// deadArchive keeps the most recent dead workers, oldest evicted first
type deadArchive struct {
	entries []DeadWorker
	limit   int
}

func newDeadArchive(limit int) *deadArchive {
	if limit < 1 {
		limit = 1
	}
	return &deadArchive{limit: limit}
}

func (a *deadArchive) add(d DeadWorker) {
	if len(a.entries) == a.limit {
		copy(a.entries, a.entries[1:])
		a.entries = a.entries[:len(a.entries)-1]
	}
	a.entries = append(a.entries, d)
}

func (a *deadArchive) list() []DeadWorker {
	return append([]DeadWorker(nil), a.entries...)
}

func (a *deadArchive) len() int {
	return len(a.entries)
}
