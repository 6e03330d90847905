// Package supervisor starts worker processes and reports how they exit.
//
// A worker is an ordinary executable that receives a bidirectional message
// channel on inherited descriptors 3 and 4. The pool manager decides what to
// run and when; this package only owns the OS-level handle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cboxdk/worker-pool-manager/internal/ipc"
)

// Spec describes one worker process to start
type Spec struct {
	WorkerID string
	Command  string
	Args     []string
	Env      map[string]string
	Dir      string
	Stdout   io.Writer
	Stderr   io.Writer
}

// Exit describes how a process ended. Code is -1 when a signal ended it.
type Exit struct {
	Code   int
	Signal string
	Err    error
}

// Signaled reports whether a signal terminated the process
func (e Exit) Signaled() bool {
	return e.Signal != ""
}

func (e Exit) String() string {
	if e.Signaled() {
		return "signal: " + e.Signal
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Process is a running worker
type Process interface {
	PID() int

	// Conn is the manager's end of the worker's message channel. The caller
	// closes it once it has drained the remaining messages.
	Conn() *ipc.Conn

	// Signal delivers sig to the worker's process group
	Signal(sig syscall.Signal) error

	// Done is closed once the process has exited and ExitStatus is final
	Done() <-chan struct{}

	ExitStatus() Exit
}

// Spawner starts worker processes
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// ExecSpawner starts workers with os/exec
type ExecSpawner struct {
	logger *zap.Logger
}

// NewExecSpawner creates a spawner for real child processes
func NewExecSpawner(logger *zap.Logger) *ExecSpawner {
	return &ExecSpawner{logger: logger}
}

// ResolveCommand finds an executable by absolute path or in PATH
func ResolveCommand(command string) (string, error) {
	path := command
	if !filepath.IsAbs(command) {
		var err error
		path, err = exec.LookPath(command)
		if err != nil {
			return "", fmt.Errorf("worker command '%s' not found in PATH: %w", command, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("cannot access worker command at %s: %w", path, err)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return "", fmt.Errorf("worker command at %s is not executable", path)
	}
	return path, nil
}

// Spawn starts spec.Command with the IPC pipes attached. The process is not
// tied to ctx; its lifetime is managed through Signal.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// parent writes toChild, child writes fromChild
	childRead, parentWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ipc pipe: %w", err)
	}
	parentRead, childWrite, err := os.Pipe()
	if err != nil {
		childRead.Close()
		parentWrite.Close()
		return nil, fmt.Errorf("failed to create ipc pipe: %w", err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.ExtraFiles = []*os.File{childRead, childWrite}
	cmd.Env = append(os.Environ(),
		ipc.EnvWorkerID+"="+spec.WorkerID,
		ipc.EnvIPC+"=1",
	)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // own process group so signals reach the worker's children
	}

	if err := cmd.Start(); err != nil {
		childRead.Close()
		childWrite.Close()
		parentRead.Close()
		parentWrite.Close()
		return nil, fmt.Errorf("failed to start worker %s: %w", spec.Command, err)
	}

	// The child holds its own copies now.
	childRead.Close()
	childWrite.Close()

	p := &execProcess{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		conn:   ipc.NewConn(parentRead, parentWrite),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go p.wait()

	s.logger.Debug("Worker process started",
		zap.String("worker_id", spec.WorkerID),
		zap.String("command", spec.Command),
		zap.Int("pid", p.pid))

	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	pid    int
	conn   *ipc.Conn
	done   chan struct{}
	exit   Exit
	logger *zap.Logger
}

func (p *execProcess) PID() int              { return p.pid }
func (p *execProcess) Conn() *ipc.Conn       { return p.conn }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitStatus() Exit {
	<-p.done
	return p.exit
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}

	// Negative pid targets the whole process group
	if err := unix.Kill(-p.pid, sig); err != nil {
		p.logger.Debug("Failed to signal process group, signalling worker directly",
			zap.Int("pid", p.pid),
			zap.String("signal", unix.SignalName(sig)),
			zap.Error(err))
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.exit = exitFromState(p.cmd.ProcessState, err)
	close(p.done)
}

func exitFromState(state *os.ProcessState, err error) Exit {
	if state == nil {
		return Exit{Code: -1, Err: err}
	}

	exit := Exit{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exit.Code = -1
		exit.Signal = unix.SignalName(ws.Signal())
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		exit.Err = err
	}
	return exit
}

// IsIntentionalSignal reports whether a signal name is one an operator or the
// manager uses to stop a worker on purpose
func IsIntentionalSignal(name string) bool {
	switch name {
	case "SIGTERM", "SIGINT", "SIGKILL":
		return true
	}
	return false
}

// Terminate sends SIGTERM and escalates to SIGKILL if the process outlives
// grace. It returns once the process has exited or ctx is done.
func Terminate(ctx context.Context, p Process, grace time.Duration) Exit {
	if err := p.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = p.Signal(unix.SIGKILL)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.Done():
		return p.ExitStatus()
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = p.Signal(unix.SIGKILL)
	select {
	case <-p.Done():
		return p.ExitStatus()
	case <-ctx.Done():
		return Exit{Code: -1, Signal: "SIGKILL", Err: ctx.Err()}
	}
}
