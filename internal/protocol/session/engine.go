package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tagwire/internal/logging"
	"github.com/danmuck/tagwire/internal/protocol/frame"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/danmuck/tagwire/internal/protocol/session"

// Role selects the identity policy of an Engine.
type Role int

const (
	// RoleClient has a fixed client id and drops frames addressed to others.
	RoleClient Role = iota
	// RoleServer accepts frames from any client and names the client per send.
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// Handler processes one frame for a registered event. For every event other
// than "response" the result must be a frame.Body (map[string]any); it is
// sent back as a "response" frame carrying the request's ref and client id.
type Handler func(ctx context.Context, head frame.Head, body frame.Body) (any, error)

// Engine is the protocol endpoint for one connection: handler registry,
// ref correlation and the connection driver.
type Engine struct {
	role     Role
	clientID string
	codec    frame.Codec
	cfg      Config

	log    zerolog.Logger
	rec    Recorder
	tracer trace.Tracer
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string][]Handler

	pending   *PendingTable
	writeMu   sync.Mutex
	listening atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg.WithDefaults()
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = logger
	}
}

func WithRecorder(rec Recorder) Option {
	return func(e *Engine) {
		if rec != nil {
			e.rec = rec
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock overrides time.Now for timestamps and pending expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithoutClientIDCheck makes a client engine accept frames addressed to any
// client id.
func WithoutClientIDCheck() Option {
	return func(e *Engine) {
		e.codec.CheckClientID = false
	}
}

// NewClient builds a client-role engine identified by clientID.
func NewClient(clientID string, opts ...Option) (*Engine, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	if err := frame.ValidateClientID(clientID); err != nil {
		return nil, err
	}
	e := newEngine(RoleClient, clientID, opts)
	return e, nil
}

// NewServer builds a server-role engine. Build one per accepted connection.
func NewServer(opts ...Option) *Engine {
	return newEngine(RoleServer, "", opts)
}

func newEngine(role Role, clientID string, opts []Option) *Engine {
	e := &Engine{
		role:     role,
		clientID: clientID,
		codec:    frame.Codec{ClientID: clientID, CheckClientID: role == RoleClient},
		cfg:      DefaultConfig(),
		rec:      NoopRecorder{},
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		handlers: make(map[string][]Handler),
		pending:  NewPendingTable(),
	}
	e.log = logging.Component("session").With().Str("role", role.String()).Logger()
	for _, opt := range opts {
		opt(e)
	}
	e.pending.onCancel = func() {
		e.rec.PendingClosed(e.role.String(), PendingCanceled)
	}
	return e
}

func (e *Engine) Role() Role {
	return e.role
}

func (e *Engine) ClientID() string {
	return e.clientID
}

func (e *Engine) Config() Config {
	return e.cfg
}

// On appends h to the handlers for event. Handlers run in registration order.
func (e *Engine) On(event string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if err := frame.ValidateHead(frame.Head{Event: event}); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], h)
	return nil
}

func (e *Engine) handlersFor(event string) []Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[event]
}

// Emit sends event with a fresh ref under the engine's own client id. Server
// engines have no client id of their own and must use EmitTo.
func (e *Engine) Emit(w io.Writer, event string, body frame.Body) (*Pending, error) {
	if e.role == RoleServer {
		return nil, fmt.Errorf("%w: server engines emit with EmitTo", ErrClientIDRequired)
	}
	return e.EmitTo(w, e.clientID, event, body)
}

// EmitThen is Emit with cb attached before the request is written, so the
// response always goes to cb and never to the "response" handlers.
func (e *Engine) EmitThen(w io.Writer, event string, body frame.Body, cb Continuation) (*Pending, error) {
	if e.role == RoleServer {
		return nil, fmt.Errorf("%w: server engines emit with EmitTo", ErrClientIDRequired)
	}
	return e.emit(w, e.clientID, event, body, cb)
}

// EmitTo sends event with a fresh ref addressed to clientID. The ref is
// registered before the write. A response that arrives before OnResponse is
// parked for it, but the "response" handlers see it too; use EmitThen to
// route it to the continuation only.
func (e *Engine) EmitTo(w io.Writer, clientID, event string, body frame.Body) (*Pending, error) {
	return e.emit(w, clientID, event, body, nil)
}

func (e *Engine) emit(w io.Writer, clientID, event string, body frame.Body, cb Continuation) (*Pending, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrClientIDRequired
	}
	now := e.now()
	ref := frame.NewRef()
	raw, err := frame.EncodeAt(now, event, body, ref, clientID, e.cfg.Limits)
	if err != nil {
		return nil, err
	}
	e.sweep(now)
	p := e.pending.Open(ref, event, now, e.cfg.PendingTTL)
	e.rec.PendingOpened(e.role.String())
	if cb != nil {
		e.pending.attach(p, cb)
	}
	if err := e.write(w, raw); err != nil {
		if e.pending.Remove(ref) {
			e.rec.PendingClosed(e.role.String(), PendingCanceled)
		}
		return nil, err
	}
	e.rec.FrameSent(e.role.String(), event)
	e.log.Debug().Str("event", event).Str("ref", ref).Str("client_id", clientID).Msg("session.Emit")
	return p, nil
}

// Pending returns a snapshot of refs still awaiting a response.
func (e *Engine) Pending() []PendingInfo {
	return e.pending.List()
}

// SweepPending expires refs whose deadline has passed and returns how many.
func (e *Engine) SweepPending(now time.Time) int {
	return e.sweep(now)
}

func (e *Engine) sweep(now time.Time) int {
	expired := e.pending.Sweep(now)
	for _, p := range expired {
		e.rec.PendingClosed(e.role.String(), PendingExpired)
		e.log.Debug().Str("event", p.Event()).Str("ref", p.Ref()).Msg("session.sweep expired")
	}
	return len(expired)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (e *Engine) write(w io.Writer, raw []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if d, ok := w.(writeDeadliner); ok && e.cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}
