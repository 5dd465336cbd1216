package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/tagwire/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tagwire.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
listen_addr = "0.0.0.0:9100"
admin_addr = "127.0.0.1:9101"
cors_origins = [" http://localhost:3000 ", ""]
admin_token = " s3cret "
client_id = "TestClientA"
check_client_id = false
max_connect_attempts = 7
read_timeout = "2s"
pending_ttl = "1m"
max_frame_bytes = 65536

[backoff]
initial_delay = "100ms"
jitter = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	def := Default()

	assert.Equal(t, "0.0.0.0:9100", cfg.Server.ListenAddr)
	assert.Equal(t, "127.0.0.1:9101", cfg.Server.AdminAddr)
	assert.Equal(t, def.Server.NodeID, cfg.Server.NodeID)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "s3cret", cfg.Server.AdminToken)
	assert.Equal(t, def.Client.Address, cfg.Client.Address)
	assert.Equal(t, "TestClientA", cfg.Client.ClientID)
	assert.True(t, cfg.Client.AcceptAnyClientID)
	assert.Equal(t, 7, cfg.Client.MaxConnectAttempts)

	sess := cfg.Server.Session
	assert.Equal(t, 2*time.Second, sess.ReadTimeout)
	assert.Equal(t, def.Server.Session.WriteTimeout, sess.WriteTimeout)
	assert.Equal(t, time.Minute, sess.PendingTTL)
	assert.Equal(t, 65536, sess.Limits.MaxFrameBytes)
	assert.Equal(t, 100*time.Millisecond, sess.Backoff.InitialDelay)
	assert.Equal(t, def.Server.Session.Backoff.MaxDelay, sess.Backoff.MaxDelay)
	assert.False(t, sess.Backoff.Jitter)
	assert.Equal(t, cfg.Server.Session, cfg.Client.Session)
}

func TestLoadEmptyFileIsDefault(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad duration":    `read_timeout = "soon"`,
		"unknown key":     `listen_adr = ":1"`,
		"long client id":  `client_id = "a-client-id-that-does-not-fit"`,
		"empty listen":    `listen_addr = " "`,
		"tiny frames":     `max_frame_bytes = 10`,
		"zero buffer":     `read_buffer_size = 0`,
		"bad multiplier":  "[backoff]\nmultiplier = 0.5",
		"negative tries":  `max_connect_attempts = -1`,
		"not toml at all": `listen_addr = `,
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestTemplateRoundTrip(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "tagwire.toml")
	require.NoError(t, WriteTemplate(path, false))
	require.Error(t, WriteTemplate(path, false), "existing file must not be overwritten")
	require.NoError(t, WriteTemplate(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "[backoff]")
	assert.Contains(t, string(raw), "listen_addr")
}
