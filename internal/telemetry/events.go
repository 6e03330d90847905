package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// EventType represents the type of operational event
type EventType = types.WorkerEventType

// EventSeverity represents the severity level of an event
type EventSeverity = types.Severity

const (
	SeverityInfo     = types.SeverityInfo
	SeverityWarning  = types.SeverityWarning
	SeverityError    = types.SeverityError
	SeverityCritical = types.SeverityCritical
)

// Event represents a structured operational event
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	WorkerID      string                 `json:"worker_id,omitempty"`
	Code          string                 `json:"code,omitempty"`
	Summary       string                 `json:"summary"`
	Details       map[string]interface{} `json:"details"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Severity      EventSeverity          `json:"severity"`
}

// LifecycleDetails are the process facts attached to worker events
type LifecycleDetails struct {
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// EventEmitter handles structured event emission with telemetry integration
type EventEmitter struct {
	service *Service
	logger  *zap.Logger
	storage EventStorage
}

// EventStorage interface for persisting events
type EventStorage interface {
	StoreEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// EventFilter represents filters for querying events
type EventFilter struct {
	StartTime time.Time
	EndTime   time.Time
	WorkerID  string
	Type      EventType
	Severity  EventSeverity
	Limit     int
}

// NewEventEmitter creates a new event emitter. storage may be nil.
func NewEventEmitter(service *Service, logger *zap.Logger, storage EventStorage) *EventEmitter {
	return &EventEmitter{
		service: service,
		logger:  logger,
		storage: storage,
	}
}

// EmitWorkerEvent records a pool notification
func (e *EventEmitter) EmitWorkerEvent(ctx context.Context, we types.WorkerEvent) error {
	details := structToMap(LifecycleDetails{PID: we.PID, ExitCode: we.ExitCode, Signal: we.Signal})
	for k, v := range we.Details {
		details[k] = v
	}

	severity := we.Severity
	if severity == "" {
		severity = SeverityInfo
	}
	timestamp := we.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	event := Event{
		ID:        generateEventID(),
		Type:      we.Type,
		Timestamp: timestamp,
		WorkerID:  we.WorkerID,
		Code:      we.Code,
		Summary:   formatWorkerSummary(we),
		Details:   details,
		Severity:  severity,
	}

	return e.emitEvent(ctx, event)
}

// Run records every event from ch until it is closed or ctx ends
func (e *EventEmitter) Run(ctx context.Context, ch <-chan types.WorkerEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case we, ok := <-ch:
			if !ok {
				return nil
			}
			if err := e.EmitWorkerEvent(ctx, we); err != nil {
				e.logger.Debug("Worker event not persisted", zap.Error(err))
			}
		}
	}
}

// emitEvent handles the actual event emission with telemetry and storage
func (e *EventEmitter) emitEvent(ctx context.Context, event Event) error {
	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.CorrelationID = span.SpanContext().TraceID().String()
	}

	if e.service != nil && e.service.IsEnabled() {
		_, span := e.service.Tracer().Start(ctx, "event.emit",
			oteltrace.WithAttributes(
				attribute.String("event.type", string(event.Type)),
				attribute.String("event.worker_id", event.WorkerID),
				attribute.String("event.severity", string(event.Severity)),
				attribute.String("event.summary", event.Summary),
			),
		)
		defer span.End()
	}

	if e.storage != nil {
		if err := e.storage.StoreEvent(ctx, event); err != nil {
			e.logger.Error("Failed to store event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
			return err
		}
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("worker_id", event.WorkerID),
		zap.String("summary", event.Summary),
		zap.String("severity", string(event.Severity)),
	}
	if event.Code != "" {
		fields = append(fields, zap.String("code", event.Code))
	}
	switch event.Severity {
	case SeverityError, SeverityCritical:
		e.logger.Warn("Event emitted", fields...)
	default:
		e.logger.Info("Event emitted", fields...)
	}

	return nil
}

// GetEvents retrieves events from storage
func (e *EventEmitter) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if e.storage == nil {
		return nil, fmt.Errorf("event storage not configured")
	}

	return e.storage.GetEvents(ctx, filter)
}

func formatWorkerSummary(we types.WorkerEvent) string {
	if we.Message != "" {
		return we.Message
	}
	switch we.Type {
	case types.EventWorkerStarted:
		return fmt.Sprintf("Worker %s started (PID: %d)", we.WorkerID, we.PID)
	case types.EventWorkerRestarted:
		return fmt.Sprintf("Worker %s restarted (PID: %d)", we.WorkerID, we.PID)
	case types.EventWorkerDied:
		if we.Signal != "" {
			return fmt.Sprintf("Worker %s died from signal %s", we.WorkerID, we.Signal)
		}
		if we.ExitCode != nil {
			return fmt.Sprintf("Worker %s exited with code %d", we.WorkerID, *we.ExitCode)
		}
		return fmt.Sprintf("Worker %s died", we.WorkerID)
	case types.EventWorkerUnresponsive:
		return fmt.Sprintf("Worker %s is unresponsive", we.WorkerID)
	case types.EventShutdownStarted:
		return "Pool shutdown started"
	default:
		return string(we.Type)
	}
}

func generateEventID() string {
	return "evt_" + uuid.NewString()
}

func structToMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return make(map[string]interface{})
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil || result == nil {
		return make(map[string]interface{})
	}

	return result
}
