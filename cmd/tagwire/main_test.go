package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/tagwire/internal/config"
	"github.com/danmuck/tagwire/internal/protocol/session"
	"github.com/danmuck/tagwire/internal/server"
	"github.com/danmuck/tagwire/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadConfigEmptyPathIsDefault(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadConfig("  ")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestInitWritesLoadableConfig(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "tagwire.toml")
	out, err := execute(t, "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "init", path)
	require.Error(t, err)
	_, err = execute(t, "init", "--force", path)
	require.NoError(t, err)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestVersionShort(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestEchoCommandAgainstServer(t *testing.T) {
	testlog.Start(t)
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

	path := filepath.Join(t.TempDir(), "tagwire.toml")
	require.NoError(t, os.WriteFile(path, []byte(`client_id = "TestClientA"
max_connect_attempts = 2
`), 0o600))

	out, err := execute(t, "--config", path, "echo", "--address", ln.Addr().String(), "--timeout", (5 * time.Second).String(), "hello")
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "Your client id is: TestClientA", body["message"])
	assert.Equal(t, map[string]any{"payload": "hello"}, body["payload"])
}

func TestEchoCommandBadConfig(t *testing.T) {
	testlog.Start(t)
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), "echo")
	require.Error(t, err)
}
