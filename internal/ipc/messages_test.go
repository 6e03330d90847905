package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDecodeKnownTypes(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Message
	}{
		{"online", `{"type":"online","pid":42}`, Online{PID: 42}},
		{"listening", `{"type":"listening","address":":8080"}`, Listening{Address: ":8080"}},
		{"health", `{"type":"health_check","status":"healthy","score":93}`, HealthCheck{Status: "healthy", Score: 93}},
		{"request stats", `{"type":"request_stats","total":10,"errors":1,"averageResponseTime":12.5,"activeRequests":2}`,
			RequestStats{Total: 10, Errors: 1, AverageResponseTime: 12.5, ActiveRequests: 2}},
		{"memory warning", `{"type":"memory_warning","message":"heap","usage":0.95}`, MemoryWarning{Message: "heap", Usage: 0.95}},
		{"shutdown", `{"type":"shutdown","phase":"drain"}`, Shutdown{Phase: PhaseDrain}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestDecodeMetricsUpdatePartial(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"metrics_update","eventLoop":{"delay":12},"memory":{"rss":1024}}`))
	require.NoError(t, err)

	update, ok := msg.(MetricsUpdate)
	require.True(t, ok)
	assert.Nil(t, update.Requests)
	assert.Nil(t, update.Network)
	require.NotNil(t, update.EventLoop)
	assert.Equal(t, 12.0, update.EventLoop.DelayMs)
	require.NotNil(t, update.Memory)
	assert.Equal(t, uint64(1024), update.Memory.RSS)
}

func TestDecodeUnknownIsVerbatim(t *testing.T) {
	line := `{"type":"cache_stats","hits":3}`
	msg, err := Decode([]byte(line))
	require.NoError(t, err)

	unknown, ok := msg.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "cache_stats", unknown.Kind)
	assert.JSONEq(t, line, string(unknown.Raw))
}

func TestDecodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `{type`},
		{"no type", `{"pid":1}`},
		{"score too high", `{"type":"health_check","status":"healthy","score":101}`},
		{"score negative", `{"type":"health_check","status":"healthy","score":-1}`},
		{"missing status", `{"type":"health_check","score":50}`},
		{"errors exceed total", `{"type":"request_stats","total":1,"errors":2}`},
		{"negative usage", `{"type":"memory_warning","usage":-0.1}`},
		{"wrong field type", `{"type":"online","pid":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.line))
			assert.Error(t, err)
		})
	}

	_, err := Decode([]byte(`{"type":"health_check","status":"ok","score":500}`))
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestEncodeFlatObject(t *testing.T) {
	data, err := Encode(Shutdown{Phase: PhaseDrain})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"shutdown","phase":"drain"}`, string(data))

	data, err = Encode(Listening{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"listening"}`, string(data))

	var head map[string]interface{}
	data, err = Encode(RequestStats{Total: 5})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &head))
	assert.Equal(t, "request_stats", head["type"])

	_, err = Encode(HealthCheck{Status: "healthy", Score: 200})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func pipePair() (*Conn, *Conn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return NewConn(ar, aw), NewConn(br, bw)
}

func TestConnSendReceive(t *testing.T) {
	manager, worker := pipePair()
	defer manager.Close()
	defer worker.Close()

	go func() {
		_ = worker.Send(Online{PID: 7})
		_ = worker.Send(HealthCheck{Status: "warning", Score: 60})
	}()

	msg, err := manager.Receive()
	require.NoError(t, err)
	assert.Equal(t, Online{PID: 7}, msg)

	msg, err = manager.Receive()
	require.NoError(t, err)
	assert.Equal(t, HealthCheck{Status: "warning", Score: 60}, msg)
}

func TestConnReceiveEOFAfterCloseWrite(t *testing.T) {
	manager, worker := pipePair()
	defer worker.Close()

	go func() { _ = manager.CloseWrite() }()

	_, err := worker.Receive()
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, manager.Send(Shutdown{Phase: PhaseDrain}), ErrClosed)
}

func TestConnDecodeErrorIsRecoverable(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(r, nopWriteCloser{io.Discard})

	go func() {
		_, _ = w.Write([]byte("garbage\n{\"type\":\"online\",\"pid\":3}\n"))
		_ = w.Close()
	}()

	_, err := conn.Receive()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "garbage", string(decodeErr.Line))

	msg, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, Online{PID: 3}, msg)

	_, err = conn.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnSkipsOversizedLine(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(r, nopWriteCloser{io.Discard})

	huge := `{"type":"custom","data":"` + strings.Repeat("x", MaxMessageSize) + `"}`
	go func() {
		_, _ = w.Write([]byte(huge + "\n"))
		_, _ = w.Write([]byte(`{"type":"online","pid":9}` + "\n"))
		_, _ = w.Write([]byte(huge))
		_ = w.Close()
	}()

	_, err := conn.Receive()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.ErrorIs(t, err, ErrMessageTooLong)
	assert.Nil(t, decodeErr.Line)

	msg, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, Online{PID: 9}, msg)

	// an unterminated oversized tail is still reported, then EOF
	_, err = conn.Receive()
	assert.ErrorIs(t, err, ErrMessageTooLong)
	_, err = conn.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnAcceptsLineAtLimit(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(r, nopWriteCloser{io.Discard})

	prefix, suffix := `{"type":"custom","data":"`, `"}`
	line := prefix + strings.Repeat("y", MaxMessageSize-len(prefix)-len(suffix)) + suffix
	require.Len(t, line, MaxMessageSize)
	go func() {
		_, _ = w.Write([]byte(line + "\r\n"))
		_ = w.Close()
	}()

	msg, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, Type("custom"), msg.Type())
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestClientDrainOnShutdown(t *testing.T) {
	manager, worker := pipePair()
	client := NewClient(worker, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	go func() { _, _ = manager.Receive() }()
	require.NoError(t, client.Ready(""))

	require.NoError(t, manager.Send(Shutdown{Phase: PhaseDrain}))
	select {
	case <-client.Drain():
	case <-time.After(2 * time.Second):
		t.Fatal("drain was not signalled")
	}

	require.NoError(t, manager.CloseWrite())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after disconnect")
	}
	<-client.Disconnected()
}
