package api

import (
	"time"

	"github.com/cboxdk/worker-pool-manager/internal/metrics"
	"github.com/cboxdk/worker-pool-manager/internal/pool"
	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// WorkerResponse joins the pool's record of a worker with its metrics
type WorkerResponse struct {
	pool.WorkerInfo
	Metrics *metrics.WorkerMetrics `json:"metrics,omitempty"`
}

// WorkerListResponse lists workers
type WorkerListResponse struct {
	Workers []WorkerResponse `json:"workers"`
	Count   int              `json:"count"`
}

// DeadWorkerListResponse lists recently exited workers, oldest first
type DeadWorkerListResponse struct {
	Workers []pool.DeadWorker `json:"workers"`
	Count   int               `json:"count"`
}

// PoolStatusResponse is the pool summary plus scheduled restarts
type PoolStatusResponse struct {
	pool.Status
	Restarts []pool.PendingRestart `json:"restarts"`
}

// HistoryResponse carries a history series, oldest first
type HistoryResponse struct {
	Series    string           `json:"series"`
	Snapshots []types.Snapshot `json:"snapshots"`
	Count     int              `json:"count"`
}

// EventListResponse lists stored events, newest first
type EventListResponse struct {
	Events []telemetry.Event `json:"events"`
	Count  int               `json:"count"`
}

// HealthResponse is served at /api/v1/health
type HealthResponse struct {
	Status    types.ClusterStatus `json:"status"`
	Version   string              `json:"version"`
	Timestamp time.Time           `json:"timestamp"`
	Uptime    string              `json:"uptime"`
	Workers   int                 `json:"workers"`
	Healthy   int                 `json:"healthy"`
}
