package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	// Trace operation names
	TraceMetricsCollection = "workerpool.metrics.collection"
	TraceWorkerStart       = "workerpool.worker.start"
	TraceWorkerStop        = "workerpool.worker.stop"
	TraceWorkerRestart     = "workerpool.worker.restart"
	TraceHealthMonitor     = "workerpool.pool.monitor"
	TraceScaling           = "workerpool.pool.scale"
	TraceShutdown          = "workerpool.pool.shutdown"

	// Attribute keys
	AttrWorkerID       = "workerpool.worker.id"
	AttrWorkerPID      = "workerpool.worker.pid"
	AttrWorkerCount    = "workerpool.worker.count"
	AttrRestartCount   = "workerpool.worker.restart_count"
	AttrCurrentWorkers = "workerpool.scaling.current_workers"
	AttrTargetWorkers  = "workerpool.scaling.target_workers"
	AttrScalingAction  = "workerpool.scaling.action"
	AttrShutdownPhase  = "workerpool.shutdown.phase"
	AttrErrorType      = "workerpool.error.type"
)

// TraceHelper provides helper methods for creating traces
type TraceHelper struct {
	tracer oteltrace.Tracer
}

// NewTraceHelper creates a new trace helper
func NewTraceHelper(serviceName string) *TraceHelper {
	return &TraceHelper{
		tracer: otel.Tracer(serviceName),
	}
}

// NoopTraceHelper returns a helper bound to the global no-op tracer
func NoopTraceHelper() *TraceHelper {
	return &TraceHelper{tracer: otel.Tracer("noop")}
}

// StartSpan starts a new tracing span with common attributes
func (th *TraceHelper) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return th.tracer.Start(ctx, operationName, oteltrace.WithAttributes(attrs...))
}

// RecordError records an error on the span
func (th *TraceHelper) RecordError(span oteltrace.Span, err error, description string) {
	if err != nil {
		span.SetStatus(codes.Error, description)
		span.RecordError(err, oteltrace.WithAttributes(
			attribute.String(AttrErrorType, description),
		))
	}
}

// SetSpanSuccess marks span as successful
func (th *TraceHelper) SetSpanSuccess(span oteltrace.Span) {
	span.SetStatus(codes.Ok, "Success")
}

// TraceFunc runs fn inside a span and records its duration and outcome
func (th *TraceHelper) TraceFunc(ctx context.Context, operationName, failure string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := th.StartSpan(ctx, operationName, attrs...)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		th.RecordError(span, err, failure)
		return err
	}

	th.SetSpanSuccess(span)
	return nil
}

// TraceMetricsCollectionFunc traces a collector cycle
func (th *TraceHelper) TraceMetricsCollectionFunc(ctx context.Context, workers int, fn func(context.Context) error) error {
	return th.TraceFunc(ctx, TraceMetricsCollection, "metrics collection failed", fn,
		attribute.Int(AttrWorkerCount, workers))
}

// TraceWorkerOperationFunc traces worker lifecycle operations
func (th *TraceHelper) TraceWorkerOperationFunc(ctx context.Context, workerID string, operation string, fn func(context.Context) error) error {
	operationName := TraceWorkerStart
	switch operation {
	case "stop":
		operationName = TraceWorkerStop
	case "restart":
		operationName = TraceWorkerRestart
	}

	return th.TraceFunc(ctx, operationName, "worker operation failed", fn,
		attribute.String(AttrWorkerID, workerID),
		attribute.String("operation", operation))
}

// TraceScalingFunc traces a pool resize
func (th *TraceHelper) TraceScalingFunc(ctx context.Context, currentWorkers, targetWorkers int, action string, fn func(context.Context) error) error {
	return th.TraceFunc(ctx, TraceScaling, "scaling failed", fn,
		attribute.Int(AttrCurrentWorkers, currentWorkers),
		attribute.Int(AttrTargetWorkers, targetWorkers),
		attribute.String(AttrScalingAction, action))
}

// GetTraceHelper returns a trace helper instance from telemetry service
func (s *Service) GetTraceHelper() *TraceHelper {
	if !s.config.Enabled {
		return NoopTraceHelper()
	}
	return &TraceHelper{tracer: s.tracer}
}
