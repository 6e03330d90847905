// Package api serves the read-only HTTP query surface of the pool manager.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/metrics"
	"github.com/cboxdk/worker-pool-manager/internal/pool"
	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// PoolReader is the query side of the worker pool
type PoolReader interface {
	Worker(id string) (pool.WorkerInfo, bool)
	WorkerHealth(id string) (pool.WorkerHealth, bool)
	ActiveWorkers() []pool.WorkerInfo
	HealthyWorkers() []pool.WorkerInfo
	DeadWorkers() []pool.DeadWorker
	PendingRestarts() []pool.PendingRestart
	Status() pool.Status
}

// MetricsReader is the query side of the metrics collector
type MetricsReader interface {
	WorkerMetrics(id string) (metrics.WorkerMetrics, bool)
	Cluster() metrics.ClusterMetrics
	History(since time.Time, limit int) []types.Snapshot
	WorkerHistory(id string, since time.Time, limit int) ([]types.Snapshot, bool)
	Export(format metrics.Format) ([]byte, error)
}

// EventReader queries persisted events
type EventReader interface {
	GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error)
}

// Server represents the API server
type Server struct {
	logger    *zap.Logger
	pool      PoolReader
	metrics   MetricsReader
	events    EventReader
	basePath  string
	startTime time.Time
	version   string
}

// NewServer creates a new API server instance. events may be nil when no
// event store is configured.
func NewServer(logger *zap.Logger, basePath string, pool PoolReader, metrics MetricsReader, events EventReader, version string) *Server {
	if basePath == "" {
		basePath = "/api/" + config.APIVersion
	}
	return &Server{
		logger:    logger.Named("api"),
		pool:      pool,
		metrics:   metrics,
		events:    events,
		basePath:  strings.TrimSuffix(basePath, "/"),
		startTime: time.Now(),
		version:   version,
	}
}

// BasePath is the prefix every route is served under
func (s *Server) BasePath() string { return s.basePath }

// Handler builds the router with middleware applied
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return s.requestContextMiddleware(s.recoveryMiddleware(s.metricsMiddleware(r)))
}

// RegisterRoutes mounts the API under the base path of r and takes over its
// not-found and method-not-allowed handlers
func (s *Server) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix(s.basePath).Subrouter()

	api.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.HandleStatus).Methods(http.MethodGet)
	api.HandleFunc("/workers", s.HandleWorkers).Methods(http.MethodGet)
	api.HandleFunc("/workers/dead", s.HandleDeadWorkers).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id}", s.HandleWorker).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id}/health", s.HandleWorkerHealth).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id}/history", s.HandleWorkerHistory).Methods(http.MethodGet)
	api.HandleFunc("/cluster", s.HandleCluster).Methods(http.MethodGet)
	api.HandleFunc("/history", s.HandleHistory).Methods(http.MethodGet)
	api.HandleFunc("/export", s.HandleExport).Methods(http.MethodGet)
	api.HandleFunc("/events", s.HandleEvents).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, NewError("not_found", "Route not found").
			WithStatus(http.StatusNotFound).
			WithContext("path", r.URL.Path).
			Build())
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, NewError("method_not_allowed", "Method not allowed").
			WithStatus(http.StatusMethodNotAllowed).
			Build())
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeError writes err as a BusinessError body
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var be *BusinessError
	if !errors.As(err, &be) {
		be = ErrInternal(r.URL.Path, err)
	}
	be.RequestID = RequestID(r.Context())

	if be.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("API request failed",
			zap.String("error_code", be.Code),
			zap.String("details", be.Details),
			zap.String("request_id", be.RequestID))
	}
	s.writeJSON(w, be.StatusCode, be)
}

// HandleHealth handles GET /api/v1/health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cluster := s.metrics.Cluster()
	st := s.pool.Status()

	status := cluster.Health.Status
	code := http.StatusOK
	if st.ShuttingDown || status == types.ClusterStatusCritical {
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, HealthResponse{
		Status:    status,
		Version:   s.version,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Workers:   st.Active,
		Healthy:   st.ByHealth[string(types.HealthStatusHealthy)],
	})
}

// HandleStatus handles GET /api/v1/status
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, PoolStatusResponse{
		Status:   s.pool.Status(),
		Restarts: s.pool.PendingRestarts(),
	})
}

// HandleWorkers handles GET /api/v1/workers[?filter=healthy]
func (s *Server) HandleWorkers(w http.ResponseWriter, r *http.Request) {
	var infos []pool.WorkerInfo
	switch filter := r.URL.Query().Get("filter"); filter {
	case "", "active":
		infos = s.pool.ActiveWorkers()
	case "healthy":
		infos = s.pool.HealthyWorkers()
	default:
		s.writeError(w, r, ErrInvalidParameter("filter", fmt.Sprintf("unknown filter %q, expected active or healthy", filter)))
		return
	}

	out := make([]WorkerResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.workerResponse(info))
	}
	s.writeJSON(w, http.StatusOK, WorkerListResponse{Workers: out, Count: len(out)})
}

// HandleDeadWorkers handles GET /api/v1/workers/dead
func (s *Server) HandleDeadWorkers(w http.ResponseWriter, r *http.Request) {
	dead := s.pool.DeadWorkers()
	s.writeJSON(w, http.StatusOK, DeadWorkerListResponse{Workers: dead, Count: len(dead)})
}

// HandleWorker handles GET /api/v1/workers/{id}
func (s *Server) HandleWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, ok := s.pool.Worker(id)
	if !ok {
		s.writeError(w, r, ErrWorkerNotFound(id))
		return
	}
	s.writeJSON(w, http.StatusOK, s.workerResponse(info))
}

// HandleWorkerHealth handles GET /api/v1/workers/{id}/health
func (s *Server) HandleWorkerHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	health, ok := s.pool.WorkerHealth(id)
	if !ok {
		s.writeError(w, r, ErrWorkerNotFound(id))
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

// HandleWorkerHistory handles GET /api/v1/workers/{id}/history
func (s *Server) HandleWorkerHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	since, limit, err := parseWindow(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snaps, ok := s.metrics.WorkerHistory(id, since, limit)
	if !ok {
		s.writeError(w, r, ErrHistoryNotFound(id))
		return
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{Series: id, Snapshots: snaps, Count: len(snaps)})
}

// HandleCluster handles GET /api/v1/cluster
func (s *Server) HandleCluster(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Cluster())
}

// HandleHistory handles GET /api/v1/history
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	since, limit, err := parseWindow(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snaps := s.metrics.History(since, limit)
	s.writeJSON(w, http.StatusOK, HistoryResponse{Series: types.ClusterHistoryKey, Snapshots: snaps, Count: len(snaps)})
}

// HandleExport handles GET /api/v1/export?format=json|prometheus|csv
func (s *Server) HandleExport(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("format")
	if name == "" {
		name = string(metrics.FormatJSON)
	}
	format, err := metrics.ParseFormat(name)
	if err != nil {
		s.writeError(w, r, ErrInvalidParameter("format", err.Error()))
		return
	}

	body, err := s.metrics.Export(format)
	if err != nil {
		s.writeError(w, r, ErrInternal("export", err))
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("Failed to write export", zap.Error(err))
	}
}

// HandleEvents handles GET /api/v1/events
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, r, ErrServiceUnavailable("events", errors.New("no event store configured")))
		return
	}

	filter, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.events.GetEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, ErrServiceUnavailable("events", err))
		return
	}
	if events == nil {
		events = []telemetry.Event{}
	}
	s.writeJSON(w, http.StatusOK, EventListResponse{Events: events, Count: len(events)})
}

func (s *Server) workerResponse(info pool.WorkerInfo) WorkerResponse {
	resp := WorkerResponse{WorkerInfo: info}
	if m, ok := s.metrics.WorkerMetrics(info.ID); ok {
		resp.Metrics = &m
	}
	return resp
}

// parseWindow reads the since and limit query parameters. since is either an
// RFC 3339 timestamp or a duration counted back from now.
func parseWindow(r *http.Request) (time.Time, int, error) {
	q := r.URL.Query()
	since, err := parseTime("since", q.Get("since"))
	if err != nil {
		return time.Time{}, 0, err
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return time.Time{}, 0, ErrInvalidParameter("limit", "must be a non-negative integer")
		}
	}
	return since, limit, nil
}

func parseTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, ErrInvalidParameter(name, "must be an RFC 3339 timestamp or a positive duration")
}

func parseEventFilter(r *http.Request) (telemetry.EventFilter, error) {
	q := r.URL.Query()
	filter := telemetry.EventFilter{
		WorkerID: q.Get("worker"),
		Type:     telemetry.EventType(q.Get("type")),
		Severity: telemetry.EventSeverity(q.Get("severity")),
		Limit:    config.DefaultEventQueryLimit,
	}

	var err error
	if filter.StartTime, err = parseTime("since", q.Get("since")); err != nil {
		return filter, err
	}
	if filter.EndTime, err = parseTime("until", q.Get("until")); err != nil {
		return filter, err
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > config.MaxEventQueryLimit {
			return filter, ErrInvalidParameter("limit", fmt.Sprintf("must be between 1 and %d", config.MaxEventQueryLimit))
		}
		filter.Limit = limit
	}
	return filter, nil
}
