package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/ipc"
)

const (
	drainTimeout = 5 * time.Second

	// memoryWarnFraction of the memory limit triggers a warning
	memoryWarnFraction = 0.9
)

// worker serves HTTP and reports its own metrics to the manager
type worker struct {
	client   *ipc.Client
	logger   *zap.Logger
	interval time.Duration
	memLimit uint64

	total     atomic.Uint64
	errCount  atomic.Uint64
	active    atomic.Int64
	latencyNs atomic.Uint64

	proc       *process.Process
	lastTotal  uint64
	lastReport time.Time
}

func newWorker(client *ipc.Client, logger *zap.Logger, interval time.Duration, memLimitMB int) *worker {
	w := &worker{
		client:     client,
		logger:     logger,
		interval:   interval,
		memLimit:   uint64(memLimitMB) * 1024 * 1024,
		lastReport: time.Now(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		w.proc = p
	}
	return w
}

// handler exposes a health endpoint and a /work endpoint that sleeps for
// ?ms milliseconds, which makes load easy to simulate
func (w *worker) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(rw, "ok %s\n", w.client.WorkerID())
	}).Methods(http.MethodGet)
	r.HandleFunc("/work", func(rw http.ResponseWriter, req *http.Request) {
		ms, err := strconv.Atoi(req.URL.Query().Get("ms"))
		if err != nil || ms < 0 {
			http.Error(rw, "ms must be a non-negative integer", http.StatusBadRequest)
			return
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			fmt.Fprintln(rw, "done")
		case <-req.Context().Done():
		}
	})
	r.Use(w.instrument)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (w *worker) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		w.active.Add(1)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}

		next.ServeHTTP(rec, req)

		w.active.Add(-1)
		w.latencyNs.Add(uint64(time.Since(start)))
		w.total.Add(1)
		if rec.status >= 500 {
			w.errCount.Add(1)
		}
	})
}

// run announces the worker, reports on every tick and returns once the
// manager asks it to drain or goes away
func (w *worker) run(ctx context.Context, listen string) error {
	var (
		srv  *http.Server
		addr string
	)
	if listen != "" {
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listen, err)
		}
		addr = ln.Addr().String()
		srv = &http.Server{Handler: w.handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := w.client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("Control channel failed", zap.Error(err))
		}
	}()

	if err := w.client.Ready(addr); err != nil {
		return fmt.Errorf("failed to report online: %w", err)
	}
	w.logger.Info("Worker online", zap.String("worker_id", w.client.WorkerID()), zap.String("address", addr))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown(srv)
			return nil
		case <-w.client.Drain():
			w.shutdown(srv)
			select {
			case <-w.client.Disconnected():
			default:
				// final numbers before exiting
				w.report()
			}
			w.logger.Info("Worker drained")
			return nil
		case <-ticker.C:
			w.report()
		}
	}
}

func (w *worker) shutdown(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		w.logger.Warn("HTTP server did not drain", zap.Error(err))
	}
}

// report sends metrics, request counters and a health score. Send errors
// mean the manager is gone; the drain channel handles that.
func (w *worker) report() {
	update, stats := w.snapshot(time.Now())
	if err := w.client.ReportMetrics(update); err != nil {
		w.logger.Debug("Failed to report metrics", zap.Error(err))
		return
	}
	_ = w.client.ReportRequests(stats)

	status, score := healthScore(stats.Total, stats.Errors)
	_ = w.client.ReportHealth(status, score)

	if w.memLimit > 0 && update.Memory != nil {
		usage := float64(update.Memory.RSS) / float64(w.memLimit)
		if usage >= memoryWarnFraction {
			_ = w.client.WarnMemory("resident memory close to limit", usage)
		}
	}
}

func (w *worker) snapshot(now time.Time) (ipc.MetricsUpdate, ipc.RequestStats) {
	// errors are counted after totals, so loading them first keeps errs <= total
	errs := w.errCount.Load()
	total := w.total.Load()
	active := int(w.active.Load())

	var avgMs float64
	if total > 0 {
		avgMs = float64(w.latencyNs.Load()) / float64(total) / float64(time.Millisecond)
	}
	var perSecond float64
	if elapsed := now.Sub(w.lastReport).Seconds(); elapsed > 0 && total >= w.lastTotal {
		perSecond = float64(total-w.lastTotal) / elapsed
	}
	w.lastTotal, w.lastReport = total, now

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	var lastPause uint64
	if ms.NumGC > 0 {
		lastPause = ms.PauseNs[(ms.NumGC+255)%256]
	}

	rss := ms.Sys
	if w.proc != nil {
		if mi, err := w.proc.MemoryInfo(); err == nil {
			rss = mi.RSS
		}
	}

	update := ipc.MetricsUpdate{
		Requests: &ipc.RequestCounters{
			Total:               total,
			PerSecond:           perSecond,
			Errors:              errs,
			AverageResponseTime: avgMs,
			Active:              active,
		},
		GC: &ipc.GCCounters{
			Collections:  uint64(ms.NumGC),
			PauseTotalMs: float64(ms.PauseTotalNs) / 1e6,
			LastPauseMs:  float64(lastPause) / 1e6,
		},
		Memory: &ipc.MemoryUsage{
			RSS:       rss,
			HeapUsed:  ms.HeapAlloc,
			HeapTotal: ms.HeapSys,
		},
	}
	stats := ipc.RequestStats{
		Total:               total,
		Errors:              errs,
		AverageResponseTime: avgMs,
		ActiveRequests:      active,
	}
	return update, stats
}

// healthScore maps the error ratio onto 0..100
func healthScore(total, errs uint64) (string, int) {
	if total == 0 || errs == 0 {
		return "healthy", 100
	}
	ratio := float64(errs) / float64(total)
	score := int(math.Round(100 * (1 - ratio)))
	switch {
	case score >= 80:
		return "healthy", score
	case score >= 50:
		return "degraded", score
	default:
		return "unhealthy", score
	}
}
