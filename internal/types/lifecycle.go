package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned for a lifecycle action the current
	// status does not allow.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAlreadyRunning is returned when a run is requested for an operation
	// that is already running.
	ErrAlreadyRunning = errors.New("operation already running")
)

// transitions lists the allowed status changes. Retry (failed -> pending)
// and cancel (running -> cancelled) are only reachable through their
// explicit actions.
var transitions = map[OperationStatus][]OperationStatus{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {StatusScheduled},
	StatusFailed:    {StatusPending},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to OperationStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves op to the given status or returns ErrInvalidTransition.
func (o *SyncOperation) Transition(to OperationStatus) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{ID: o.ID, From: o.Status, To: to}
	}
	o.Status = to
	return nil
}

// TransitionError describes a rejected lifecycle step.
type TransitionError struct {
	ID   string
	From OperationStatus
	To   OperationStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("operation %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
