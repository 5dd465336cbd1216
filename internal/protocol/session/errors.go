package session

import (
	"errors"
	"fmt"
)

var (
	ErrClientIDRequired = errors.New("session: client id required")
	ErrHandlerContract  = errors.New("session: handler must return a string-keyed map")
	ErrWriteFailed      = errors.New("session: transport write failed")
	ErrConnectionClosed = errors.New("session: connection closed")
	ErrAlreadyListening = errors.New("session: engine already listening")
	ErrPendingExpired   = errors.New("session: pending response expired")
	ErrPendingCanceled  = errors.New("session: pending response canceled")
	ErrNilHandler       = errors.New("session: nil handler")
)

// HandlerError is a failure of one registered handler while dispatching a frame.
type HandlerError struct {
	Event string
	// Index is the handler's position in registration order for Event.
	Index int
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("session: handler[%d] for event %q: %v", e.Index, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
