// Package config loads tagwire TOML config files on top of built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/tagwire/internal/client"
	"github.com/danmuck/tagwire/internal/protocol/frame"
	"github.com/danmuck/tagwire/internal/server"
)

// Config is the resolved configuration for both roles. The session settings
// are shared: Server.Session and Client.Session are always equal.
type Config struct {
	Server server.ServiceConfig
	Client client.Config
}

func Default() Config {
	return Config{
		Server: server.DefaultServiceConfig(),
		Client: client.DefaultConfig(),
	}
}

type fileConfig struct {
	ListenAddr         string        `toml:"listen_addr"`
	AdminAddr          string        `toml:"admin_addr"`
	NodeID             string        `toml:"node_id"`
	CORSOrigins        []string      `toml:"cors_origins"`
	AdminToken         string        `toml:"admin_token"`
	Address            string        `toml:"address"`
	ClientID           string        `toml:"client_id"`
	CheckClientID      bool          `toml:"check_client_id"`
	MaxConnectAttempts int           `toml:"max_connect_attempts"`
	ConnectTimeout     string        `toml:"connect_timeout"`
	ReadTimeout        string        `toml:"read_timeout"`
	WriteTimeout       string        `toml:"write_timeout"`
	PendingTTL         string        `toml:"pending_ttl"`
	ReadBufferSize     int           `toml:"read_buffer_size"`
	MaxFrameBytes      int           `toml:"max_frame_bytes"`
	Backoff            backoffConfig `toml:"backoff"`
}

type backoffConfig struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

// Load reads path and applies every key it defines over Default().
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load tagwire config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load tagwire config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.Server.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Server.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("node_id") {
		cfg.Server.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Server.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("admin_token") {
		cfg.Server.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("address") {
		cfg.Client.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("client_id") {
		cfg.Client.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("check_client_id") {
		cfg.Client.AcceptAnyClientID = !raw.CheckClientID
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.Client.MaxConnectAttempts = raw.MaxConnectAttempts
	}

	sess := &cfg.Server.Session
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{key: "connect_timeout", raw: raw.ConnectTimeout, dst: &sess.ConnectTimeout},
		{key: "read_timeout", raw: raw.ReadTimeout, dst: &sess.ReadTimeout},
		{key: "write_timeout", raw: raw.WriteTimeout, dst: &sess.WriteTimeout},
		{key: "pending_ttl", raw: raw.PendingTTL, dst: &sess.PendingTTL},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("read_buffer_size") {
		sess.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("max_frame_bytes") {
		sess.Limits.MaxFrameBytes = raw.MaxFrameBytes
	}

	if meta.IsDefined("backoff", "initial_delay") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.InitialDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse backoff.initial_delay: %w", err)
		}
		sess.Backoff.InitialDelay = v
	}
	if meta.IsDefined("backoff", "multiplier") {
		sess.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "max_delay") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.MaxDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse backoff.max_delay: %w", err)
		}
		sess.Backoff.MaxDelay = v
	}
	if meta.IsDefined("backoff", "jitter") {
		sess.Backoff.Jitter = raw.Backoff.Jitter
	}
	cfg.Client.Session = cfg.Server.Session

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that cannot produce a working endpoint.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Server.ListenAddr) == "" {
		return fmt.Errorf("tagwire config missing listen_addr")
	}
	if strings.TrimSpace(cfg.Client.Address) == "" {
		return fmt.Errorf("tagwire config missing address")
	}
	if id := cfg.Client.ClientID; id != "" {
		if err := frame.ValidateClientID(id); err != nil {
			return fmt.Errorf("tagwire config client_id: %w", err)
		}
	}
	if cfg.Client.MaxConnectAttempts < 0 {
		return fmt.Errorf("tagwire config max_connect_attempts must be >= 0")
	}
	sess := cfg.Server.Session
	if sess.ReadBufferSize <= 0 {
		return fmt.Errorf("tagwire config read_buffer_size must be > 0")
	}
	if sess.Limits.MaxFrameBytes < frame.MinFrameLen {
		return fmt.Errorf("tagwire config max_frame_bytes must be >= %d", frame.MinFrameLen)
	}
	if sess.Backoff.Multiplier < 1.0 {
		return fmt.Errorf("tagwire config backoff.multiplier must be >= 1")
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
