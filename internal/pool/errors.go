package pool

import (
	"errors"
	"fmt"

	"github.com/cboxdk/worker-pool-manager/internal/types"
)

var (
	// ErrNotSupervisor is returned when lifecycle operations are attempted
	// from inside a worker process.
	ErrNotSupervisor = errors.New("not running in the supervising process")

	// ErrShuttingDown rejects lifecycle operations once shutdown has begun.
	ErrShuttingDown = errors.New("worker pool is shutting down")

	// ErrAtCapacity rejects starts that would exceed the maximum pool size.
	ErrAtCapacity = errors.New("worker pool is at maximum size")

	// ErrScaledDown is returned for a start that a scale-down cancelled
	// before the worker came online.
	ErrScaledDown = errors.New("worker stopped by scale-down before coming online")
)

// ErrorCode is a stable, machine-readable lifecycle failure code
type ErrorCode string

const (
	CodeForkFailed    ErrorCode = "FORK_FAILED"
	CodeOnlineTimeout ErrorCode = "ONLINE_TIMEOUT"
	CodePrematureExit ErrorCode = "PREMATURE_EXIT"
	CodeSendFailed    ErrorCode = "SEND_FAILED"
	CodeRestartFailed ErrorCode = "RESTART_FAILED"
	CodeRestartLimit  ErrorCode = "RESTART_LIMIT"
	CodeAtCapacity    ErrorCode = "POOL_AT_CAPACITY"
	CodeShuttingDown  ErrorCode = "SHUTTING_DOWN"
	CodeNotSupervisor ErrorCode = "NOT_SUPERVISOR"
)

// Severity ranks how bad a failure with this code is
func (c ErrorCode) Severity() types.Severity {
	switch c {
	case CodeForkFailed, CodeRestartFailed, CodeNotSupervisor:
		return types.SeverityCritical
	case CodeOnlineTimeout, CodePrematureExit, CodeRestartLimit:
		return types.SeverityError
	default:
		return types.SeverityWarning
	}
}

// LifecycleError describes a failed operation on one worker
type LifecycleError struct {
	Code     ErrorCode
	WorkerID string
	Op       string
	Err      error
}

func (e *LifecycleError) Error() string {
	if e.WorkerID == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s worker %s: %s: %v", e.Op, e.WorkerID, e.Code, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

func lifecycleError(code ErrorCode, workerID, op string, err error) *LifecycleError {
	return &LifecycleError{Code: code, WorkerID: workerID, Op: op, Err: err}
}

// CodeOf extracts the lifecycle code from err, if any
func CodeOf(err error) (ErrorCode, bool) {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Code, true
	}
	return "", false
}
