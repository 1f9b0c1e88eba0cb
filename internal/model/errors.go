package model

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; runtime failures carry one of these as
// the Kind of an *OpError.
var (
	// ErrConfiguration reports invalid setup, surfaced at construction.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnectionFailure reports a failed or timed out connect.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrTimeout reports a request whose deadline elapsed.
	ErrTimeout = errors.New("timeout")

	// ErrNotConnected reports a request made without an established session.
	ErrNotConnected = errors.New("not connected")

	// ErrRequestFailure reports a protocol-level request error.
	ErrRequestFailure = errors.New("request failure")

	// ErrRetryLimitExceeded reports that a monitor loop gave up reconnecting.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")

	// ErrUnknownMachine reports a machine name that is not configured.
	ErrUnknownMachine = errors.New("unknown machine")

	// ErrShutdownTimeout reports monitor loops or status delivery that did
	// not stop in time.
	ErrShutdownTimeout = errors.New("shutdown timeout")

	// ErrJournalDisabled reports a transition query without a journal.
	ErrJournalDisabled = errors.New("journal disabled")
)

// OpError describes a failed operation against one machine.
type OpError struct {
	Machine string
	Op      string
	Kind    error
	Err     error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Machine, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Machine, e.Op, e.Kind, e.Err)
}

// Unwrap lets errors.Is match both the kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
