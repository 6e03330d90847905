package metrics

import (
	"time"

	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// CPUUsage is a worker's CPU usage in percent of one core
type CPUUsage struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	Peak    float64 `json:"peak"`
	Samples uint64  `json:"samples"`
}

// MemoryUsage tracks resident and heap memory
type MemoryUsage struct {
	RSS       uint64  `json:"rss"`
	HeapUsed  uint64  `json:"heapUsed"`
	HeapTotal uint64  `json:"heapTotal"`
	Percent   float64 `json:"percent"` // of total system memory
	PeakRSS   uint64  `json:"peakRss"`
}

// NetworkUsage holds byte and connection counters
type NetworkUsage struct {
	BytesIn     uint64 `json:"bytesIn"`
	BytesOut    uint64 `json:"bytesOut"`
	Connections int    `json:"connections"`
}

// RequestMetrics holds request counters and latencies in milliseconds
type RequestMetrics struct {
	Total               uint64  `json:"total"`
	PerSecond           float64 `json:"perSecond"`
	Errors              uint64  `json:"errors"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	P95ResponseTime     float64 `json:"p95ResponseTime"`
	P99ResponseTime     float64 `json:"p99ResponseTime"`
	Active              int     `json:"active"`
}

// ErrorRate returns errors as a percentage of total requests
func (r RequestMetrics) ErrorRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Errors) / float64(r.Total) * 100
}

// GCMetrics holds garbage collector counters
type GCMetrics struct {
	Collections  uint64  `json:"collections"`
	PauseTotalMs float64 `json:"pauseTotalMs"`
	LastPauseMs  float64 `json:"lastPauseMs"`
}

// WorkerMetrics is everything known about one worker's resource use
type WorkerMetrics struct {
	WorkerID         string             `json:"workerId"`
	PID              int                `json:"pid"`
	CPU              CPUUsage           `json:"cpu"`
	Memory           MemoryUsage        `json:"memory"`
	Network          NetworkUsage       `json:"network"`
	Requests         RequestMetrics     `json:"requests"`
	GC               GCMetrics          `json:"gc"`
	EventLoopDelayMs float64            `json:"eventLoopDelay"`
	HealthScore      int                `json:"healthScore"`
	HealthStatus     types.HealthStatus `json:"healthStatus"`
	StartedAt        time.Time          `json:"startedAt"`
	LastUpdate       time.Time          `json:"lastUpdate"`
}

// RequestTotals aggregates request counters across workers
type RequestTotals struct {
	Total               uint64  `json:"total"`
	Errors              uint64  `json:"errors"`
	PerSecond           float64 `json:"perSecond"`
	ErrorRate           float64 `json:"errorRate"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	Active              int     `json:"active"`
}

// ResourceTotals aggregates worker CPU and memory
type ResourceTotals struct {
	AverageCPU           float64 `json:"averageCpu"`
	PeakCPU              float64 `json:"peakCpu"`
	TotalMemoryRSS       uint64  `json:"totalMemoryRss"`
	AverageMemoryPercent float64 `json:"averageMemoryPercent"`
	PeakMemoryPercent    float64 `json:"peakMemoryPercent"`
}

// LoadBalance describes how evenly requests are spread
type LoadBalance struct {
	Distribution map[string]uint64 `json:"distribution"`
	Efficiency   float64           `json:"efficiency"`
}

// HealthSummary is the pool-wide health rollup
type HealthSummary struct {
	Healthy      int                 `json:"healthy"`
	Unhealthy    int                 `json:"unhealthy"`
	AverageScore float64             `json:"averageScore"`
	Status       types.ClusterStatus `json:"status"`
}

// SystemUsage is host-level usage
type SystemUsage struct {
	CPUPercent    float64   `json:"cpuPercent"`
	PerCore       []float64 `json:"perCore"`
	CPUCount      int       `json:"cpuCount"`
	MemoryTotal   uint64    `json:"memoryTotal"`
	MemoryUsed    uint64    `json:"memoryUsed"`
	MemoryFree    uint64    `json:"memoryFree"`
	MemoryPercent float64   `json:"memoryPercent"`
}

// ClusterMetrics is the aggregate view rebuilt every collection
type ClusterMetrics struct {
	Timestamp   time.Time          `json:"timestamp"`
	Workers     int                `json:"workers"`
	Requests    RequestTotals      `json:"requests"`
	Resources   ResourceTotals     `json:"resources"`
	LoadBalance LoadBalance        `json:"loadBalance"`
	Health      HealthSummary      `json:"health"`
	System      SystemUsage        `json:"system"`
	Custom      map[string]float64 `json:"custom"`
	Collections uint64             `json:"collections"`
}

func newClusterMetrics() *ClusterMetrics {
	return &ClusterMetrics{
		LoadBalance: LoadBalance{Distribution: make(map[string]uint64), Efficiency: 100},
		Health:      HealthSummary{Status: types.ClusterStatusUnknown},
		Custom:      make(map[string]float64),
	}
}

func (c *ClusterMetrics) clone() ClusterMetrics {
	out := *c
	out.LoadBalance.Distribution = make(map[string]uint64, len(c.LoadBalance.Distribution))
	for k, v := range c.LoadBalance.Distribution {
		out.LoadBalance.Distribution[k] = v
	}
	out.Custom = make(map[string]float64, len(c.Custom))
	for k, v := range c.Custom {
		out.Custom[k] = v
	}
	out.System.PerCore = append([]float64(nil), c.System.PerCore...)
	return out
}
