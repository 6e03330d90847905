// Package ipc defines the messages exchanged between the pool manager and
// its worker processes and the newline-delimited JSON codec that carries them.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies a message kind on the wire.
type Type string

const (
	TypeOnline        Type = "online"
	TypeListening     Type = "listening"
	TypeMetricsUpdate Type = "metrics_update"
	TypeHealthCheck   Type = "health_check"
	TypeRequestStats  Type = "request_stats"
	TypeMemoryWarning Type = "memory_warning"
	TypeShutdown      Type = "shutdown"
)

// PhaseDrain asks a worker to stop accepting new work.
const PhaseDrain = "drain"

// ErrInvalidMessage is returned for messages that fail boundary validation.
var ErrInvalidMessage = errors.New("invalid message")

// Message is one of the concrete message types in this package.
type Message interface {
	Type() Type
	validate() error
}

// Online is sent once by a worker when it is ready to serve.
type Online struct {
	PID int `json:"pid,omitempty"`
}

// Listening reports the address a worker bound to.
type Listening struct {
	Address string `json:"address,omitempty"`
}

// RequestCounters are request-level counters reported by a worker.
type RequestCounters struct {
	Total               uint64  `json:"total"`
	PerSecond           float64 `json:"perSecond"`
	Errors              uint64  `json:"errors"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	P95ResponseTime     float64 `json:"p95ResponseTime,omitempty"`
	P99ResponseTime     float64 `json:"p99ResponseTime,omitempty"`
	Active              int     `json:"active"`
}

// NetworkCounters are byte and connection counters.
type NetworkCounters struct {
	BytesIn     uint64 `json:"bytesIn"`
	BytesOut    uint64 `json:"bytesOut"`
	Connections int    `json:"connections"`
}

// GCCounters describe the worker runtime's garbage collector.
type GCCounters struct {
	Collections  uint64  `json:"collections"`
	PauseTotalMs float64 `json:"pauseTotalMs"`
	LastPauseMs  float64 `json:"lastPauseMs"`
}

// EventLoop reports scheduling delay inside the worker.
type EventLoop struct {
	DelayMs float64 `json:"delay"`
}

// MemoryUsage is the worker's own view of its memory.
type MemoryUsage struct {
	RSS       uint64 `json:"rss"`
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
}

// MetricsUpdate carries any subset of a worker's self-reported metrics.
// Absent sections leave the stored values untouched.
type MetricsUpdate struct {
	Requests  *RequestCounters `json:"requests,omitempty"`
	Network   *NetworkCounters `json:"network,omitempty"`
	GC        *GCCounters      `json:"gc,omitempty"`
	EventLoop *EventLoop       `json:"eventLoop,omitempty"`
	Memory    *MemoryUsage     `json:"memory,omitempty"`
}

// HealthCheck is a worker's own assessment of its health.
type HealthCheck struct {
	Status string `json:"status"`
	Score  int    `json:"score"`
}

// RequestStats replaces the request counters it names.
type RequestStats struct {
	Total               uint64  `json:"total"`
	Errors              uint64  `json:"errors"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	ActiveRequests      int     `json:"activeRequests"`
}

// MemoryWarning is raised by a worker under memory pressure. Usage is a
// fraction of its limit.
type MemoryWarning struct {
	Message string  `json:"message"`
	Usage   float64 `json:"usage"`
}

// Shutdown is the only manager to worker control message.
type Shutdown struct {
	Phase string `json:"phase"`
}

// Unknown holds a message of any other type, verbatim.
type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

func (Online) Type() Type        { return TypeOnline }
func (Listening) Type() Type     { return TypeListening }
func (MetricsUpdate) Type() Type { return TypeMetricsUpdate }
func (HealthCheck) Type() Type   { return TypeHealthCheck }
func (RequestStats) Type() Type  { return TypeRequestStats }
func (MemoryWarning) Type() Type { return TypeMemoryWarning }
func (Shutdown) Type() Type      { return TypeShutdown }
func (u Unknown) Type() Type     { return Type(u.Kind) }

func (Online) validate() error    { return nil }
func (Listening) validate() error { return nil }
func (Unknown) validate() error   { return nil }

func (m MetricsUpdate) validate() error {
	if m.Requests != nil {
		if m.Requests.PerSecond < 0 || m.Requests.AverageResponseTime < 0 || m.Requests.Active < 0 {
			return fmt.Errorf("%w: negative request counters", ErrInvalidMessage)
		}
		if m.Requests.Errors > m.Requests.Total {
			return fmt.Errorf("%w: errors exceed total requests", ErrInvalidMessage)
		}
	}
	if m.EventLoop != nil && m.EventLoop.DelayMs < 0 {
		return fmt.Errorf("%w: negative event loop delay", ErrInvalidMessage)
	}
	if m.Network != nil && m.Network.Connections < 0 {
		return fmt.Errorf("%w: negative connection count", ErrInvalidMessage)
	}
	return nil
}

func (m HealthCheck) validate() error {
	if m.Status == "" {
		return fmt.Errorf("%w: health status is required", ErrInvalidMessage)
	}
	if m.Score < 0 || m.Score > 100 {
		return fmt.Errorf("%w: health score %d out of range", ErrInvalidMessage, m.Score)
	}
	return nil
}

func (m RequestStats) validate() error {
	if m.Errors > m.Total {
		return fmt.Errorf("%w: errors exceed total requests", ErrInvalidMessage)
	}
	if m.AverageResponseTime < 0 || m.ActiveRequests < 0 {
		return fmt.Errorf("%w: negative request stats", ErrInvalidMessage)
	}
	return nil
}

func (m MemoryWarning) validate() error {
	if m.Usage < 0 {
		return fmt.Errorf("%w: negative memory usage", ErrInvalidMessage)
	}
	return nil
}

func (m Shutdown) validate() error {
	if m.Phase == "" {
		return fmt.Errorf("%w: shutdown phase is required", ErrInvalidMessage)
	}
	return nil
}

// Decode parses one wire message and validates it.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	var msg Message
	var err error
	switch Type(head.Type) {
	case TypeOnline:
		msg, err = decodeInto[Online](data)
	case TypeListening:
		msg, err = decodeInto[Listening](data)
	case TypeMetricsUpdate:
		msg, err = decodeInto[MetricsUpdate](data)
	case TypeHealthCheck:
		msg, err = decodeInto[HealthCheck](data)
	case TypeRequestStats:
		msg, err = decodeInto[RequestStats](data)
	case TypeMemoryWarning:
		msg, err = decodeInto[MemoryWarning](data)
	case TypeShutdown:
		msg, err = decodeInto[Shutdown](data)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Kind: head.Type, Raw: raw}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s message: %w", head.Type, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeInto[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode renders a message as a flat JSON object with a "type" field.
func Encode(msg Message) ([]byte, error) {
	if u, ok := msg.(Unknown); ok {
		return u.Raw, nil
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type(), err)
	}
	typ, err := json.Marshal(string(msg.Type()))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
