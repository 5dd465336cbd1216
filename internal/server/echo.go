package server

import (
	"context"

	"github.com/danmuck/tagwire/internal/protocol/frame"
	"github.com/danmuck/tagwire/internal/protocol/session"
)

const EventEcho = "echo"

// Echo answers with the caller's client id, its body and its ref.
func Echo(_ context.Context, head frame.Head, body frame.Body) (any, error) {
	return frame.Body{
		"code":    0,
		"message": "Your client id is: " + head.ClientID,
		"payload": body,
		"ref":     head.Ref,
	}, nil
}

// RegisterEcho is the default Setup.
func RegisterEcho(e *session.Engine) error {
	return e.On(EventEcho, Echo)
}
