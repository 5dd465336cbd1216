package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/tagwire/internal/client"
	"github.com/danmuck/tagwire/internal/config"
	"github.com/danmuck/tagwire/internal/observability"
	"github.com/danmuck/tagwire/internal/protocol/frame"
	"github.com/danmuck/tagwire/internal/server"
	"github.com/spf13/cobra"
)

func echoCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		address  string
		clientID string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "echo [payload]",
		Short: "Send one echo request and print the response body",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if v := strings.TrimSpace(address); v != "" {
				cfg.Client.Address = v
			}
			if v := strings.TrimSpace(clientID); v != "" {
				cfg.Client.ClientID = v
			}
			if cfg.Client.ClientID == "" {
				cfg.Client.ClientID = "TestClientA"
			}
			payload := "stuff"
			if len(args) == 1 {
				payload = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			body, err := runEcho(ctx, cfg.Client, frame.Body{"payload": payload})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(body, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "Server address (default from config)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "Client id carried in every frame (default from config)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Overall request timeout")

	return cmd
}

func runEcho(ctx context.Context, cfg client.Config, body frame.Body) (frame.Body, error) {
	logger := observability.InitLogger("tagwire")
	c, err := client.New(cfg, client.WithLogger(logger.With().Str("component", "client").Logger()))
	if err != nil {
		return nil, err
	}
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	go func() { _ = conn.Listen(ctx) }()

	f, err := conn.Request(ctx, server.EventEcho, body)
	if err != nil {
		return nil, err
	}
	return f.Body, nil
}
