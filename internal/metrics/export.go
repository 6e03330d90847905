package metrics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// Format selects an export encoding
type Format string

const (
	FormatJSON       Format = "json"
	FormatPrometheus Format = "prometheus"
	FormatCSV        Format = "csv"
)

// ParseFormat accepts the names used on the command line and in the API
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatPrometheus, FormatCSV:
		return Format(s), nil
	case "prom", "text":
		return FormatPrometheus, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type for an export format
func (f Format) ContentType() string {
	switch f {
	case FormatPrometheus:
		return string(expfmt.FmtText)
	case FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "application/json"
	}
}

type jsonExport struct {
	ExportedAt time.Time        `json:"exportedAt"`
	Cluster    ClusterMetrics   `json:"cluster"`
	Workers    []WorkerMetrics  `json:"workers"`
	History    []types.Snapshot `json:"history"`
}

// Export renders current metrics and cluster history
func (c *Collector) Export(format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(jsonExport{
			ExportedAt: time.Now(),
			Cluster:    c.Cluster(),
			Workers:    c.AllWorkerMetrics(),
			History:    c.History(time.Time{}, 0),
		}, "", "  ")
	case FormatPrometheus:
		return c.exportPrometheus()
	case FormatCSV:
		return encodeCSV(c.History(time.Time{}, 0))
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func (c *Collector) exportPrometheus() ([]byte, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewPrometheusCollector(c, "workerpool")); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

func encodeCSV(history []types.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"timestamp", "cpu", "memory", "requests", "errors", "responseTime"}); err != nil {
		return nil, err
	}
	for _, s := range history {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(s.CPU, 'f', 2, 64),
			strconv.FormatFloat(s.Memory, 'f', 2, 64),
			strconv.FormatUint(s.Requests, 10),
			strconv.FormatUint(s.Errors, 10),
			strconv.FormatFloat(s.ResponseTime, 'f', 2, 64),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// prometheusCollector exposes collector state as const metrics at scrape time
type prometheusCollector struct {
	source *Collector

	workers         *prometheus.Desc
	requestsTotal   *prometheus.Desc
	errorsTotal     *prometheus.Desc
	requestRate     *prometheus.Desc
	errorRate       *prometheus.Desc
	responseTime    *prometheus.Desc
	efficiency      *prometheus.Desc
	healthScore     *prometheus.Desc
	healthyWorkers  *prometheus.Desc
	systemCPU       *prometheus.Desc
	systemMemory    *prometheus.Desc
	workerCPU       *prometheus.Desc
	workerMemory    *prometheus.Desc
	workerRequests  *prometheus.Desc
	workerHealth    *prometheus.Desc
	workerEventLoop *prometheus.Desc
	custom          *prometheus.Desc
}

// NewPrometheusCollector adapts a Collector to the prometheus.Collector interface
func NewPrometheusCollector(source *Collector, namespace string) prometheus.Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &prometheusCollector{
		source:          source,
		workers:         desc("workers", "Number of tracked workers"),
		requestsTotal:   desc("requests_total", "Requests served by all workers"),
		errorsTotal:     desc("request_errors_total", "Failed requests across all workers"),
		requestRate:     desc("requests_per_second", "Cluster request rate"),
		errorRate:       desc("error_rate_percent", "Errors as a percentage of requests"),
		responseTime:    desc("response_time_ms", "Average response time in milliseconds"),
		efficiency:      desc("load_balance_efficiency", "Evenness of request distribution, 0-100"),
		healthScore:     desc("health_score_average", "Average worker health score"),
		healthyWorkers:  desc("workers_healthy", "Workers in the healthy band"),
		systemCPU:       desc("system_cpu_percent", "Host CPU usage"),
		systemMemory:    desc("system_memory_percent", "Host memory usage"),
		workerCPU:       desc("worker_cpu_percent", "Worker CPU usage", "worker_id"),
		workerMemory:    desc("worker_memory_bytes", "Worker resident memory", "worker_id"),
		workerRequests:  desc("worker_requests_total", "Requests served by a worker", "worker_id"),
		workerHealth:    desc("worker_health_score", "Worker health score", "worker_id", "status"),
		workerEventLoop: desc("worker_event_loop_delay_ms", "Worker event loop delay", "worker_id"),
		custom:          desc("custom_metric", "Value of a registered custom metric", "name"),
	}
}

func (p *prometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		p.workers, p.requestsTotal, p.errorsTotal, p.requestRate, p.errorRate,
		p.responseTime, p.efficiency, p.healthScore, p.healthyWorkers, p.systemCPU,
		p.systemMemory, p.workerCPU, p.workerMemory, p.workerRequests, p.workerHealth,
		p.workerEventLoop, p.custom,
	} {
		ch <- d
	}
}

func (p *prometheusCollector) Collect(ch chan<- prometheus.Metric) {
	cm := p.source.Cluster()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(p.workers, float64(cm.Workers))
	counter(p.requestsTotal, float64(cm.Requests.Total))
	counter(p.errorsTotal, float64(cm.Requests.Errors))
	gauge(p.requestRate, cm.Requests.PerSecond)
	gauge(p.errorRate, cm.Requests.ErrorRate)
	gauge(p.responseTime, cm.Requests.AverageResponseTime)
	gauge(p.efficiency, cm.LoadBalance.Efficiency)
	gauge(p.healthScore, cm.Health.AverageScore)
	gauge(p.healthyWorkers, float64(cm.Health.Healthy))
	gauge(p.systemCPU, cm.System.CPUPercent)
	gauge(p.systemMemory, cm.System.MemoryPercent)

	for _, w := range p.source.AllWorkerMetrics() {
		gauge(p.workerCPU, w.CPU.Current, w.WorkerID)
		gauge(p.workerMemory, float64(w.Memory.RSS), w.WorkerID)
		counter(p.workerRequests, float64(w.Requests.Total), w.WorkerID)
		gauge(p.workerHealth, float64(w.HealthScore), w.WorkerID, string(w.HealthStatus))
		gauge(p.workerEventLoop, w.EventLoopDelayMs, w.WorkerID)
	}

	for name, v := range cm.Custom {
		gauge(p.custom, v, name)
	}
}
