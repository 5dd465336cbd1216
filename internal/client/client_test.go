package client

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/tagwire/internal/protocol/frame"
	"github.com/danmuck/tagwire/internal/protocol/session"
	"github.com/danmuck/tagwire/internal/server"
	"github.com/danmuck/tagwire/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.ReadTimeout = 100 * time.Millisecond
	cfg.WriteTimeout = time.Second
	cfg.Backoff = session.BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     20 * time.Millisecond,
	}
	return cfg
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	svc := server.NewService(server.ServiceConfig{ListenAddr: ln.Addr().String()}, nil,
		server.WithRecorder(session.NoopRecorder{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func newTestClient(t *testing.T, addr string, attempts int) *Client {
	t.Helper()
	c, err := New(Config{
		Address:            addr,
		ClientID:           "TestClientA",
		Session:            fastSession(),
		MaxConnectAttempts: attempts,
	}, WithRecorder(session.NoopRecorder{}))
	require.NoError(t, err)
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	testlog.Start(t)
	_, err := New(Config{ClientID: "TestClientA"})
	require.ErrorIs(t, err, ErrAddressRequired)
	_, err = New(Config{Address: "127.0.0.1:1"})
	require.ErrorIs(t, err, session.ErrClientIDRequired)
	_, err = New(Config{Address: "127.0.0.1:1", ClientID: "client-id-longer-than-field"})
	require.ErrorIs(t, err, frame.ErrEncode)

	c, err := New(Config{Address: "127.0.0.1:1", ClientID: " TestClientA "}, WithRecorder(session.NoopRecorder{}))
	require.NoError(t, err)
	assert.Equal(t, "TestClientA", c.Config().ClientID)
	assert.Equal(t, session.DefaultConfig().PendingTTL, c.Config().Session.PendingTTL)
	assert.Equal(t, 5, DefaultConfig().MaxConnectAttempts)
}

func TestConnectAndRequestEcho(t *testing.T) {
	testlog.Start(t)
	addr := startEchoServer(t)
	c := newTestClient(t, addr, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := c.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()
	go func() { _ = conn.Listen(ctx) }()

	f, err := conn.Request(ctx, server.EventEcho, frame.Body{"payload": "stuff"})
	require.NoError(t, err)
	assert.Equal(t, frame.EventResponse, f.Head.Event)
	assert.Equal(t, "TestClientA", f.Head.ClientID)
	assert.Equal(t, frame.Body{
		"code":    float64(0),
		"message": "Your client id is: TestClientA",
		"payload": map[string]any{"payload": "stuff"},
		"ref":     f.Head.Ref,
	}, f.Body)
	assert.Empty(t, conn.Engine().Pending())
}

func TestRunDeliversResponseToContinuation(t *testing.T) {
	testlog.Start(t)
	addr := startEchoServer(t)
	c := newTestClient(t, addr, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan frame.Body, 1)
	err := c.Run(ctx, func(conn *Conn) error {
		_, err := conn.EmitThen(server.EventEcho, frame.Body{"payload!": "stuff"}, func(_ frame.Head, body frame.Body) {
			got <- body
			cancel()
		})
		return err
	})
	require.ErrorIs(t, err, context.Canceled)

	select {
	case body := <-got:
		assert.Equal(t, map[string]any{"payload!": "stuff"}, body["payload"])
	default:
		t.Fatalf("continuation did not run")
	}
}

func TestConnectExhaustsAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := newTestClient(t, addr, 2)
	_, err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrAttemptsExhausted)
}

func TestRunReconnectsUntilAttemptsExhausted(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			_ = conn.Close()
		}
	}()

	c := newTestClient(t, ln.Addr().String(), 3)
	var setups int
	err = c.Run(context.Background(), func(*Conn) error {
		setups++
		return nil
	})
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	require.ErrorIs(t, err, session.ErrConnectionClosed)
	assert.Equal(t, 3, setups)
	assert.Eventually(t, func() bool { return accepted.Load() == 3 }, time.Second, 10*time.Millisecond)
}
