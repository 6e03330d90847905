package autoscaler

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning indicates Run was called twice
	ErrAlreadyRunning = errors.New("autoscaler is already running")

	// ErrInvalidConfiguration indicates bounds or step that cannot be honoured
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// ScalingError records a resize the pool refused or failed
type ScalingError struct {
	Operation string // scale_up or scale_down
	From      int
	To        int
	Cause     error
}

func (e *ScalingError) Error() string {
	return fmt.Sprintf("scaling error during '%s' from %d to %d: %v", e.Operation, e.From, e.To, e.Cause)
}

func (e *ScalingError) Unwrap() error {
	return e.Cause
}
