package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/tagwire/internal/config"
	"github.com/danmuck/tagwire/internal/observability"
	"github.com/danmuck/tagwire/internal/server"
	"github.com/spf13/cobra"
)

func serveCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		listen string
		admin  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		Long: `Run the tagwire server.

Every connection gets its own session with the "echo" handler, which
answers with the caller's client id, its body and its ref.

Examples:
  tagwire serve
  tagwire serve --listen 0.0.0.0:8080 --admin 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if v := strings.TrimSpace(listen); v != "" {
				cfg.Server.ListenAddr = v
			}
			if v := strings.TrimSpace(admin); v != "" {
				cfg.Server.AdminAddr = v
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Protocol listen address (default from config)")
	cmd.Flags().StringVar(&admin, "admin", "", "Admin HTTP address for /healthz and /metrics")

	return cmd
}

func runServe(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.InitLogger("tagwire")
	svc := server.NewService(cfg.Server, server.RegisterEcho, server.WithLogger(logger.With().Str("component", "server").Logger()))
	return svc.Run(ctx)
}
