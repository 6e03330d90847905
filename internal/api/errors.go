package api

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorBuilder provides a fluent interface for building structured errors
type ErrorBuilder struct {
	code       string
	message    string
	statusCode int
	details    string
	context    map[string]interface{}
	timestamp  time.Time
}

// NewError creates a new error builder
func NewError(code, message string) *ErrorBuilder {
	return &ErrorBuilder{
		code:      code,
		message:   message,
		timestamp: time.Now(),
		context:   make(map[string]interface{}),
	}
}

// WithStatus sets the HTTP status code
func (e *ErrorBuilder) WithStatus(statusCode int) *ErrorBuilder {
	e.statusCode = statusCode
	return e
}

// WithDetails adds detailed error information
func (e *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	e.details = details
	return e
}

// WithContext adds contextual information
func (e *ErrorBuilder) WithContext(key string, value interface{}) *ErrorBuilder {
	e.context[key] = value
	return e
}

// Build creates the final BusinessError
func (e *ErrorBuilder) Build() *BusinessError {
	if e.statusCode == 0 {
		e.statusCode = http.StatusInternalServerError
	}
	var ctx map[string]interface{}
	if len(e.context) > 0 {
		ctx = e.context
	}

	return &BusinessError{
		Code:       e.code,
		Message:    e.message,
		Details:    e.details,
		StatusCode: e.statusCode,
		Context:    ctx,
		Timestamp:  e.timestamp,
	}
}

// BusinessError is the body of every non-2xx API response
type BusinessError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	RequestID  string                 `json:"request_id,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

func (e BusinessError) Error() string {
	return e.Message
}

var (
	ErrWorkerNotFound = func(workerID string) *BusinessError {
		return NewError("worker_not_found", "Worker not found").
			WithStatus(http.StatusNotFound).
			WithContext("worker_id", workerID).
			WithDetails(fmt.Sprintf("Worker '%s' is not active, pending or draining", workerID)).
			Build()
	}

	ErrHistoryNotFound = func(workerID string) *BusinessError {
		return NewError("history_not_found", "No history for worker").
			WithStatus(http.StatusNotFound).
			WithContext("worker_id", workerID).
			Build()
	}

	ErrInvalidParameter = func(paramName, reason string) *BusinessError {
		return NewError("invalid_parameter", "Invalid parameter value").
			WithStatus(http.StatusBadRequest).
			WithContext("parameter", paramName).
			WithDetails(reason).
			Build()
	}

	ErrServiceUnavailable = func(service string, reason error) *BusinessError {
		return NewError("service_unavailable", "Service temporarily unavailable").
			WithStatus(http.StatusServiceUnavailable).
			WithContext("service", service).
			WithDetails(reason.Error()).
			Build()
	}

	ErrInternal = func(operation string, reason error) *BusinessError {
		return NewError("internal_error", "Internal server error").
			WithStatus(http.StatusInternalServerError).
			WithContext("operation", operation).
			WithDetails(reason.Error()).
			Build()
	}
)
