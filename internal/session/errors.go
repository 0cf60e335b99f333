package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by commands that need an open session.
	ErrNotConnected = errors.New("session not connected")
	// ErrTenantRequired is returned when a command is called with an empty
	// tenant id.
	ErrTenantRequired = errors.New("tenant id required")
	// ErrIllegalTransition marks a (state, trigger) pair outside the
	// transition table.
	ErrIllegalTransition = errors.New("illegal session transition")
)

// CloseError records why a session left the open path.
type CloseError struct {
	Reason      Reason
	Disposition Disposition
	Err         error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session closed (%s, %s): %v", e.Reason, e.Disposition, e.Err)
	}
	return fmt.Sprintf("session closed (%s, %s)", e.Reason, e.Disposition)
}

func (e *CloseError) Unwrap() error { return e.Err }
