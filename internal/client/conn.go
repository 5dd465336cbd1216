package client

import (
	"context"
	"net"

	"github.com/danmuck/tagwire/internal/protocol/frame"
	"github.com/danmuck/tagwire/internal/protocol/session"
)

// Conn is one connected client session.
type Conn struct {
	conn   net.Conn
	engine *session.Engine
}

func (c *Conn) Engine() *session.Engine {
	return c.engine
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// On registers a handler for event on this session.
func (c *Conn) On(event string, h session.Handler) error {
	return c.engine.On(event, h)
}

// Emit sends a request and returns its pending ref.
func (c *Conn) Emit(event string, body frame.Body) (*session.Pending, error) {
	return c.engine.Emit(c.conn, event, body)
}

// EmitThen sends a request whose response is delivered only to cb.
func (c *Conn) EmitThen(event string, body frame.Body, cb session.Continuation) (*session.Pending, error) {
	return c.engine.EmitThen(c.conn, event, body, cb)
}

// Request emits event and waits for the correlated response. Listen must be
// running on another goroutine.
func (c *Conn) Request(ctx context.Context, event string, body frame.Body) (frame.Frame, error) {
	p, err := c.Emit(event, body)
	if err != nil {
		return frame.Frame{}, err
	}
	f, err := p.Await(ctx)
	if err != nil {
		p.Cancel()
		return frame.Frame{}, err
	}
	return f, nil
}

// Listen runs the receive loop until the connection ends.
func (c *Conn) Listen(ctx context.Context) error {
	return c.engine.Listen(ctx, c.conn)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
