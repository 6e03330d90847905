package ipc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// MaxMessageSize bounds a single encoded message.
const MaxMessageSize = 1 << 20

// Inherited descriptor numbers in the worker process. The manager passes two
// pipes through exec.Cmd.ExtraFiles, which start at descriptor 3.
const (
	WorkerReadFD  = 3 // manager -> worker
	WorkerWriteFD = 4 // worker -> manager
)

// Environment variables set for every worker process.
const (
	EnvWorkerID = "POOL_WORKER_ID"
	EnvIPC      = "POOL_WORKER_IPC"
)

var (
	// ErrClosed is returned by Send after the write side has been closed.
	ErrClosed = errors.New("ipc channel closed")

	// ErrMessageTooLong is wrapped in a DecodeError when a line exceeds
	// MaxMessageSize. The rest of the line is discarded.
	ErrMessageTooLong = fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
)

// DecodeError wraps a line that could not be decoded. Receive keeps working
// after returning one.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode ipc message: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Conn is one end of a bidirectional message channel.
type Conn struct {
	in     *bufio.Reader
	reader io.Closer

	mu        sync.Mutex // serialises writes
	writer    io.WriteCloser
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a reader and writer pair.
func NewConn(r io.ReadCloser, w io.WriteCloser) *Conn {
	return &Conn{in: bufio.NewReaderSize(r, 64*1024), reader: r, writer: w}
}

// Send writes one message followed by a newline.
func (c *Conn) Send(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msg.Type(), err)
	}
	return nil
}

// Receive blocks for the next message. It returns io.EOF once the peer has
// closed its side, and *DecodeError for a bad or oversized line.
func (c *Conn) Receive() (Message, error) {
	for {
		line, err := c.readLine()
		if errors.Is(err, ErrMessageTooLong) {
			return nil, &DecodeError{Err: err}
		}
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			return nil, &DecodeError{Line: line, Err: err}
		}
		return msg, nil
	}
}

// readLine returns the next line without its terminator. Lines longer than
// MaxMessageSize are read through to the newline without being retained.
func (c *Conn) readLine() ([]byte, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := c.in.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > MaxMessageSize+2 {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && (!errors.Is(err, io.EOF) || (len(line) == 0 && !tooLong)) {
			return nil, err
		}
		// err is nil or EOF after a final unterminated line
		line = bytes.TrimSuffix(bytes.TrimSuffix(line, []byte("\n")), []byte("\r"))
		if tooLong || len(line) > MaxMessageSize {
			return nil, ErrMessageTooLong
		}
		return line, nil
	}
}

// CloseWrite closes the outbound side, which the peer observes as EOF. It
// does not wait for an in-flight Send, which fails once the writer closes.
func (c *Conn) CloseWrite() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.writer.Close()
	})
	return c.closeErr
}

// Close releases both sides.
func (c *Conn) Close() error {
	werr := c.CloseWrite()
	rerr := c.reader.Close()
	return errors.Join(werr, rerr)
}

// IsWorkerProcess reports whether the current process was started by a pool.
func IsWorkerProcess() bool {
	return os.Getenv(EnvWorkerID) != ""
}

// Inherited opens the channel a worker process received from its manager.
func Inherited() (*Conn, error) {
	if os.Getenv(EnvIPC) == "" {
		return nil, fmt.Errorf("no ipc channel: %s is not set", EnvIPC)
	}
	r := os.NewFile(uintptr(WorkerReadFD), "ipc-read")
	w := os.NewFile(uintptr(WorkerWriteFD), "ipc-write")
	if r == nil || w == nil {
		return nil, fmt.Errorf("no ipc channel: inherited descriptors missing")
	}
	return NewConn(r, w), nil
}
