package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/tagwire/internal/protocol/frame"
	"github.com/danmuck/tagwire/internal/protocol/session"
	"github.com/danmuck/tagwire/internal/protocol/stream"
	"github.com/danmuck/tagwire/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startService(t *testing.T, setup Setup) (*Service, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := DefaultServiceConfig()
	cfg.ListenAddr = ln.Addr().String()
	cfg.Session.ReadTimeout = 100 * time.Millisecond
	cfg.Session.WriteTimeout = 2 * time.Second
	svc := NewService(cfg, setup, WithRecorder(session.NoopRecorder{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not stop")
		}
	})
	return svc, ln.Addr().String()
}

// readFrame reads from conn until one full frame is reassembled.
func readFrame(t *testing.T, conn net.Conn) frame.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	r := stream.New(frame.DefaultLimits())
	buf := make([]byte, 512)
	var out *frame.Frame
	for out == nil {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		require.NoError(t, r.Feed(buf[:n], func(candidate []byte) error {
			f, err := frame.Decode(candidate)
			if err != nil {
				return err
			}
			if out == nil {
				out = &f
			}
			return nil
		}))
	}
	return *out
}

func TestServiceEchoesClientID(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	ref := frame.NewRef()
	raw, err := frame.Encode(EventEcho, frame.Body{"payload": "stuff"}, ref, "TestClientA")
	require.NoError(t, err)
	// Split the request to exercise server-side reassembly.
	_, err = conn.Write(raw[:7])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = conn.Write(raw[7:])
	require.NoError(t, err)

	f := readFrame(t, conn)
	assert.Equal(t, frame.EventResponse, f.Head.Event)
	assert.Equal(t, ref, f.Head.Ref)
	assert.Equal(t, "TestClientA", f.Head.ClientID)
	assert.Equal(t, frame.Body{
		"code":    float64(0),
		"message": "Your client id is: TestClientA",
		"payload": map[string]any{"payload": "stuff"},
		"ref":     ref,
	}, f.Body)
}

func TestServiceIgnoresGarbage(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not a frame at all"))
	require.NoError(t, err)
	raw, err := frame.Encode(EventEcho, frame.Body{"n": 1}, "", "TestClientB")
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)

	f := readFrame(t, conn)
	assert.Equal(t, "Your client id is: TestClientB", f.Body["message"])
}

func TestServiceSetupPerConnection(t *testing.T) {
	testlog.Start(t)
	var engines []*session.Engine
	setupCalls := make(chan *session.Engine, 4)
	svc, addr := startService(t, func(e *session.Engine) error {
		setupCalls <- e
		return RegisterEcho(e)
	})

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		raw, err := frame.Encode(EventEcho, nil, "", "TestClientA")
		require.NoError(t, err)
		_, err = conn.Write(raw)
		require.NoError(t, err)
		readFrame(t, conn)
		engines = append(engines, <-setupCalls)
	}
	require.Len(t, engines, 2)
	assert.NotSame(t, engines[0], engines[1])
	assert.Equal(t, session.RoleServer, engines[0].Role())
	assert.Eventually(t, func() bool { return svc.ActiveConnections() == 2 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, svc.Status()["accepted_total"])
}

func TestServiceSetupFailureClosesConn(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, func(*session.Engine) error {
		return errors.New("no handlers today")
	})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "server should close the connection")
	}
}

func TestServiceShutdownClosesConnections(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	svc := NewService(ServiceConfig{ListenAddr: ln.Addr().String()}, nil, WithRecorder(session.NoopRecorder{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return svc.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
	require.Eventually(t, func() bool { return svc.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEchoHandlerBody(t *testing.T) {
	testlog.Start(t)
	out, err := Echo(context.Background(), frame.Head{ClientID: "TestClientA", Ref: "abc"}, frame.Body{"payload": "stuff"})
	require.NoError(t, err)
	body, ok := out.(frame.Body)
	require.True(t, ok)
	assert.Equal(t, 0, body["code"])
	assert.Equal(t, "Your client id is: TestClientA", body["message"])
	assert.Equal(t, frame.Body{"payload": "stuff"}, body["payload"])
	assert.Equal(t, "abc", body["ref"])
}

func TestNewServiceDefaults(t *testing.T) {
	testlog.Start(t)
	svc := NewService(ServiceConfig{}, nil, WithRecorder(session.NoopRecorder{}))
	cfg := svc.Config()
	assert.Equal(t, "localhost:8080", cfg.ListenAddr)
	assert.Equal(t, "tagwire.server", cfg.NodeID)
	assert.Equal(t, session.DefaultConfig().ReadBufferSize, cfg.Session.ReadBufferSize)
}
