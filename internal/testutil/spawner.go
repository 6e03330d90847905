// Package testutil provides in-memory worker processes for tests
package testutil

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cboxdk/worker-pool-manager/internal/ipc"
	"github.com/cboxdk/worker-pool-manager/internal/supervisor"
)

// FakeSpawner creates FakeProcesses connected by in-memory pipes
type FakeSpawner struct {
	mu        sync.Mutex
	nextPID   int
	procs     []*FakeProcess
	failures  []error
	configure func(*FakeProcess)
}

// NewFakeSpawner creates a spawner whose workers report online at once,
// exit cleanly on disconnect and die on SIGTERM
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{nextPID: 1000}
}

// Configure sets a hook applied to each process before it reports online
func (s *FakeSpawner) Configure(fn func(*FakeProcess)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configure = fn
}

// FailNext makes the next Spawn return err
func (s *FakeSpawner) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

// Processes returns every process spawned so far, in order
func (s *FakeSpawner) Processes() []*FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeProcess(nil), s.procs...)
}

// Process returns the process started for a worker id
func (s *FakeSpawner) Process(workerID string) *FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p.WorkerID == workerID {
			return p
		}
	}
	return nil
}

// Alive counts processes that have not exited
func (s *FakeSpawner) Alive() int {
	n := 0
	for _, p := range s.Processes() {
		if !p.Exited() {
			n++
		}
	}
	return n
}

// Spawn implements supervisor.Spawner
func (s *FakeSpawner) Spawn(ctx context.Context, spec supervisor.Spec) (supervisor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.nextPID++
	pid := s.nextPID
	configure := s.configure
	s.mu.Unlock()

	toWorkerR, toWorkerW := io.Pipe()
	toManagerR, toManagerW := io.Pipe()

	p := &FakeProcess{
		WorkerID:         spec.WorkerID,
		Spec:             spec,
		AutoOnline:       true,
		ExitOnDisconnect: true,
		pid:              pid,
		manager:          ipc.NewConn(toManagerR, toWorkerW),
		worker:           ipc.NewConn(toWorkerR, toManagerW),
		done:             make(chan struct{}),
		disconnected:     make(chan struct{}),
	}
	if configure != nil {
		configure(p)
	}

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	go p.serve()
	if p.AutoOnline {
		go p.Send(ipc.Online{PID: pid})
	}
	return p, nil
}

// FakeProcess is an in-memory worker. Behaviour fields must be set from the
// spawner's Configure hook.
type FakeProcess struct {
	WorkerID string
	Spec     supervisor.Spec

	AutoOnline       bool
	ExitOnDisconnect bool
	IgnoreTerm       bool
	DisconnectCode   int

	pid     int
	manager *ipc.Conn
	worker  *ipc.Conn

	mu           sync.Mutex
	received     []ipc.Message
	signals      []syscall.Signal
	exit         supervisor.Exit
	exited       bool
	done         chan struct{}
	disconnected chan struct{}
}

func (p *FakeProcess) PID() int              { return p.pid }
func (p *FakeProcess) Conn() *ipc.Conn       { return p.manager }
func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) ExitStatus() supervisor.Exit {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Signal records sig and applies the default disposition
func (p *FakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return os.ErrProcessDone
	}
	p.signals = append(p.signals, sig)
	ignore := p.IgnoreTerm
	p.mu.Unlock()

	switch sig {
	case unix.SIGKILL:
		p.Exit(-1, "SIGKILL")
	case unix.SIGTERM:
		if !ignore {
			p.Exit(-1, "SIGTERM")
		}
	case unix.SIGINT:
		p.Exit(-1, "SIGINT")
	}
	return nil
}

// Send writes a message from the worker to the manager
func (p *FakeProcess) Send(msg ipc.Message) error {
	if p.Exited() {
		return ipc.ErrClosed
	}
	return p.worker.Send(msg)
}

// Crash ends the process with an exit code
func (p *FakeProcess) Crash(code int) {
	p.Exit(code, "")
}

// Exit ends the process. Later calls are ignored.
func (p *FakeProcess) Exit(code int, signal string) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exit = supervisor.Exit{Code: code, Signal: signal}
	p.mu.Unlock()

	close(p.done)
	p.worker.Close()
}

// Exited reports whether the process has ended
func (p *FakeProcess) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Disconnected is closed once the manager has closed its side of the channel
func (p *FakeProcess) Disconnected() <-chan struct{} {
	return p.disconnected
}

// Received returns the messages the manager sent to this worker
func (p *FakeProcess) Received() []ipc.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ipc.Message(nil), p.received...)
}

// Signals returns the signals delivered so far
func (p *FakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

func (p *FakeProcess) serve() {
	for {
		msg, err := p.worker.Receive()
		if err != nil {
			var decodeErr *ipc.DecodeError
			if errors.As(err, &decodeErr) {
				continue
			}
			break
		}
		p.mu.Lock()
		p.received = append(p.received, msg)
		p.mu.Unlock()
	}

	if p.Exited() {
		return
	}
	close(p.disconnected)
	if p.ExitOnDisconnect {
		p.Exit(p.DisconnectCode, "")
	}
}
