package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/tagwire/internal/logging"
	"github.com/danmuck/tagwire/internal/observability"
	"github.com/danmuck/tagwire/internal/protocol/frame"
	"github.com/danmuck/tagwire/internal/protocol/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrAddressRequired   = errors.New("client: server address required")
	ErrAttemptsExhausted = errors.New("client: connect attempts exhausted")
)

type Config struct {
	Address  string
	ClientID string
	// AcceptAnyClientID disables dropping frames addressed to other clients.
	AcceptAnyClientID  bool
	Session            session.Config
	MaxConnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		Address:            "localhost:8080",
		Session:            session.DefaultConfig(),
		MaxConnectAttempts: 5,
	}
}

// Option configures a Client.
type Option func(*Client)

func WithRecorder(rec session.Recorder) Option {
	return func(c *Client) {
		c.recorder = rec
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = tp
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.log = logger
	}
}

type Client struct {
	cfg      Config
	rng      *rand.Rand
	log      zerolog.Logger
	recorder session.Recorder
	tracer   trace.TracerProvider
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	if cfg.ClientID == "" {
		return nil, session.ErrClientIDRequired
	}
	if err := frame.ValidateClientID(cfg.ClientID); err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	c := &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: logging.Component("client").With().Str("client_id", cfg.ClientID).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.recorder == nil {
		c.recorder = observability.NewSessionRecorder()
	}
	return c, nil
}

func (c *Client) Config() Config {
	return c.cfg
}

// Connect dials the server, retrying with backoff up to MaxConnectAttempts
// (unbounded when zero), and returns a session on the new connection.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err == nil {
			return c.newConn(conn)
		}
		c.log.Warn().Int("attempt", attempt).Str("addr", c.cfg.Address).Err(err).Msg("client.Connect dial failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !c.shouldRetry(attempt) {
			return nil, fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
		}
		if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, attempt, c.rng); err != nil {
			return nil, err
		}
	}
}

// Run connects, calls setup to register handlers and send requests, then
// listens until the session ends. Setup runs before the receive loop starts,
// so it must not block on responses; use Conn.EmitThen instead. Every ended
// session counts as a failed attempt and is retried with backoff. Run returns
// once MaxConnectAttempts sessions have failed or ctx ends.
func (c *Client) Run(ctx context.Context, setup func(*Conn) error) error {
	var failures int
	for {
		conn, err := c.Connect(ctx)
		if err != nil {
			return err
		}
		err = c.runSession(ctx, conn, setup)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		c.log.Warn().Int("failures", failures).Err(err).Msg("client.Run session ended")
		if !c.shouldRetry(failures) {
			return fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
		}
		if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, failures, c.rng); err != nil {
			return err
		}
	}
}

func (c *Client) runSession(ctx context.Context, conn *Conn, setup func(*Conn) error) error {
	defer conn.Close()
	defer observability.ConnectionOpened(session.RoleClient.String())()

	if setup != nil {
		if err := setup(conn); err != nil {
			return err
		}
	}
	return conn.Listen(ctx)
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	return dialer.DialContext(ctx, "tcp", c.cfg.Address)
}

func (c *Client) newConn(nc net.Conn) (*Conn, error) {
	opts := []session.Option{
		session.WithConfig(c.cfg.Session),
		session.WithLogger(c.log.With().Str("remote", nc.RemoteAddr().String()).Logger()),
		session.WithRecorder(c.recorder),
	}
	if c.tracer != nil {
		opts = append(opts, session.WithTracerProvider(c.tracer))
	}
	if c.cfg.AcceptAnyClientID {
		opts = append(opts, session.WithoutClientIDCheck())
	}
	e, err := session.NewClient(c.cfg.ClientID, opts...)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	c.log.Info().Str("remote", nc.RemoteAddr().String()).Msg("client.Connect connected")
	return &Conn{conn: nc, engine: e}, nil
}
