package session

import "time"

// Drop reasons reported to a Recorder.
const (
	DropMalformed = "malformed"
	DropIdentity  = "identity"
	DropOversize  = "oversize"
	DropUnhandled = "unhandled"
)

// Pending outcomes reported to a Recorder.
const (
	PendingAnswered = "answered"
	PendingExpired  = "expired"
	PendingCanceled = "canceled"
)

// Recorder receives engine counters. Roles are "client" or "server".
type Recorder interface {
	FrameReceived(role string)
	FrameDropped(role, reason string)
	FrameSent(role, event string)
	Dispatched(role string, d time.Duration, err error)
	PendingOpened(role string)
	PendingClosed(role, outcome string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) FrameReceived(string) {}
func (NoopRecorder) FrameDropped(string, string) {}
func (NoopRecorder) FrameSent(string, string) {}
func (NoopRecorder) Dispatched(string, time.Duration, error) {}
func (NoopRecorder) PendingOpened(string) {}
func (NoopRecorder) PendingClosed(string, string) {}
