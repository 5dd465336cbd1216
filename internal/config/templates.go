package config

import (
	"fmt"
	"os"

	gotoml "github.com/pelletier/go-toml/v2"
)

// Template renders cfg as a config file that Load reads back unchanged.
func Template(cfg Config) (string, error) {
	out, err := gotoml.Marshal(toFile(cfg))
	if err != nil {
		return "", fmt.Errorf("render tagwire config: %w", err)
	}
	return string(out), nil
}

// WriteTemplate writes the default config to path.
func WriteTemplate(path string, overwrite bool) error {
	template, err := Template(Default())
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(cfg Config) fileConfig {
	sess := cfg.Server.Session
	origins := cfg.Server.CORSOrigins
	if origins == nil {
		origins = []string{}
	}
	return fileConfig{
		ListenAddr:         cfg.Server.ListenAddr,
		AdminAddr:          cfg.Server.AdminAddr,
		NodeID:             cfg.Server.NodeID,
		CORSOrigins:        origins,
		AdminToken:         cfg.Server.AdminToken,
		Address:            cfg.Client.Address,
		ClientID:           cfg.Client.ClientID,
		CheckClientID:      !cfg.Client.AcceptAnyClientID,
		MaxConnectAttempts: cfg.Client.MaxConnectAttempts,
		ConnectTimeout:     sess.ConnectTimeout.String(),
		ReadTimeout:        sess.ReadTimeout.String(),
		WriteTimeout:       sess.WriteTimeout.String(),
		PendingTTL:         sess.PendingTTL.String(),
		ReadBufferSize:     sess.ReadBufferSize,
		MaxFrameBytes:      sess.Limits.MaxFrameBytes,
		Backoff: backoffConfig{
			InitialDelay: sess.Backoff.InitialDelay.String(),
			Multiplier:   sess.Backoff.Multiplier,
			MaxDelay:     sess.Backoff.MaxDelay.String(),
			Jitter:       sess.Backoff.Jitter,
		},
	}
}
