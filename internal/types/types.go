package types

import (
	"context"
	"time"
)

// WorkerState is the lifecycle position of a worker process
type WorkerState string

const (
	WorkerStatePending  WorkerState = "pending"
	WorkerStateActive   WorkerState = "active"
	WorkerStateDraining WorkerState = "draining"
	WorkerStateDead     WorkerState = "dead"
)

// HealthStatus is the label derived from a worker's health score
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusWarning  HealthStatus = "warning"
	HealthStatusCritical HealthStatus = "critical"
	HealthStatusDead     HealthStatus = "dead"
)

// ClusterStatus summarises the health of the whole pool
type ClusterStatus string

const (
	ClusterStatusHealthy  ClusterStatus = "healthy"
	ClusterStatusDegraded ClusterStatus = "degraded"
	ClusterStatusCritical ClusterStatus = "critical"
	ClusterStatusUnknown  ClusterStatus = "unknown"
)

// Severity ranks events
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// WorkerEventType defines the notifications the pool emits
type WorkerEventType string

const (
	EventWorkerStarted      WorkerEventType = "worker_started"
	EventWorkerRestarted    WorkerEventType = "worker_restarted"
	EventWorkerDied         WorkerEventType = "worker_died"
	EventWorkerUnresponsive WorkerEventType = "worker_unresponsive"
	EventWorkerMessage      WorkerEventType = "worker_message"
	EventMemoryCritical     WorkerEventType = "memory_critical"
	EventScaleUpNeeded      WorkerEventType = "scale_up_needed"
	EventScaleDownPossible  WorkerEventType = "scale_down_possible"
	EventShutdownStarted    WorkerEventType = "shutdown_started"
	EventLifecycleError     WorkerEventType = "lifecycle_error"
)

// WorkerEvent is a pool notification. Fields not relevant to a type are zero.
type WorkerEvent struct {
	Type      WorkerEventType        `json:"type"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	PID       int                    `json:"pid,omitempty"`
	ExitCode  *int                   `json:"exit_code,omitempty"`
	Signal    string                 `json:"signal,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Snapshot is one point of metrics history
type Snapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	CPU          float64   `json:"cpu"`
	Memory       float64   `json:"memory"`
	Requests     uint64    `json:"requests"`
	Errors       uint64    `json:"errors"`
	ResponseTime float64   `json:"responseTime"`
}

// ClusterHistoryKey addresses cluster-wide history in a HistoryStore
const ClusterHistoryKey = "cluster"

// HistoryStore persists metrics history so it survives supervisor restarts
type HistoryStore interface {
	// Start initializes the storage backend
	Start(ctx context.Context) error

	// Stop closes the storage backend
	Stop(ctx context.Context) error

	// SaveSnapshot appends a snapshot under key (a worker id or ClusterHistoryKey)
	SaveSnapshot(ctx context.Context, key string, snapshot Snapshot) error

	// LoadHistory returns snapshots for key newer than since, oldest first,
	// keeping at most the newest limit entries when limit > 0
	LoadHistory(ctx context.Context, key string, since time.Time, limit int) ([]Snapshot, error)

	// Cleanup removes snapshots older than cutoff
	Cleanup(ctx context.Context, cutoff time.Time) error
}
