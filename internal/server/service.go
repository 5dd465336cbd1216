package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/tagwire/internal/logging"
	"github.com/danmuck/tagwire/internal/observability"
	"github.com/danmuck/tagwire/internal/protocol/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ServiceConfig is the server endpoint configuration.
type ServiceConfig struct {
	ListenAddr string
	// AdminAddr enables the admin HTTP surface when set.
	AdminAddr   string
	NodeID      string
	CORSOrigins []string
	AdminToken  string
	Session     session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: "localhost:8080",
		AdminAddr:  "",
		NodeID:     "tagwire.server",
		Session:    session.DefaultConfig(),
	}
}

// Setup registers handlers on the engine built for one connection.
type Setup func(e *session.Engine) error

// Option configures a Service.
type Option func(*Service)

func WithRecorder(rec session.Recorder) Option {
	return func(s *Service) {
		s.recorder = rec
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		s.tracer = tp
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.log = logger
	}
}

// Service accepts connections and runs one session engine per connection.
type Service struct {
	cfg      ServiceConfig
	setup    Setup
	log      zerolog.Logger
	recorder session.Recorder
	tracer   trace.TracerProvider

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	active   atomic.Int64
	accepted atomic.Uint64
}

// NewService builds a service. A nil setup registers the echo handler.
func NewService(cfg ServiceConfig, setup Setup, opts ...Option) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = def.NodeID
	}
	cfg.Session = cfg.Session.WithDefaults()
	if setup == nil {
		setup = RegisterEcho
	}
	s := &Service{
		cfg:   cfg,
		setup: setup,
		log:   logging.Component("server"),
		conns: make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.recorder == nil {
		s.recorder = observability.NewSessionRecorder()
	}
	return s
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Run listens on the configured addresses and blocks until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("server.Service.Run listening")

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		adminLn, err := net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return err
		}
		s.log.Info().Str("addr", adminLn.Addr().String()).Msg("server.Service.Run admin listening")
		router := observability.NewAdminRouter(observability.AdminConfig{
			Node:        s.cfg.NodeID,
			CORSOrigins: s.cfg.CORSOrigins,
			Token:       s.cfg.AdminToken,
		}, s.log, s.Status)
		go func() {
			adminErr <- observability.ServeAdmin(ctx, adminLn, router)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// Serve runs the accept loop on ln until ctx ends or the listener fails.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

// ActiveConnections is the number of connections currently being served.
func (s *Service) ActiveConnections() int64 {
	return s.active.Load()
}

// Status feeds the admin /healthz body.
func (s *Service) Status() map[string]any {
	return map[string]any{
		"listen_addr":        s.cfg.ListenAddr,
		"active_connections": s.active.Load(),
		"accepted_total":     s.accepted.Load(),
	}
}

func (s *Service) newEngine(logger zerolog.Logger) (*session.Engine, error) {
	opts := []session.Option{
		session.WithConfig(s.cfg.Session),
		session.WithLogger(logger),
		session.WithRecorder(s.recorder),
	}
	if s.tracer != nil {
		opts = append(opts, session.WithTracerProvider(s.tracer))
	}
	e := session.NewServer(opts...)
	if err := s.setup(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	defer observability.ConnectionOpened(session.RoleServer.String())()

	remote := conn.RemoteAddr().String()
	s.accepted.Add(1)
	active := s.active.Add(1)
	logger := s.log.With().Str("remote", remote).Logger()
	logger.Info().Int64("active_clients", active).Msg("server.handleConn connected")
	defer func() {
		remaining := s.active.Add(-1)
		logger.Info().Int64("active_clients", remaining).Msg("server.handleConn disconnected")
	}()

	e, err := s.newEngine(logger)
	if err != nil {
		logger.Error().Err(err).Msg("server.handleConn setup failed")
		return
	}
	err = e.Listen(ctx, conn)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, session.ErrConnectionClosed):
		logger.Debug().Err(err).Msg("server.handleConn closed")
	default:
		logger.Warn().Err(err).Msg("server.handleConn terminated")
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
