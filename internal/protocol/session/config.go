package session

import (
	"time"

	"github.com/danmuck/tagwire/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session timing and size defaults. A negative
// ReadTimeout, WriteTimeout or PendingTTL disables it.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// PendingTTL bounds how long an emitted ref waits for its response.
	PendingTTL     time.Duration
	ReadBufferSize int
	Limits         frame.Limits
	Backoff        BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		PendingTTL:     30 * time.Second,
		ReadBufferSize: 2048,
		Limits:         frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = def.PendingTTL
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.Limits.MaxFrameBytes <= 0 {
		c.Limits = def.Limits
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	return c
}
