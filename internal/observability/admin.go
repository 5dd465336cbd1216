package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/tagwire/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// AdminConfig describes the admin HTTP surface of one node.
type AdminConfig struct {
	Node        string
	CORSOrigins []string
	// Token, when set, is required as a bearer token on every route except /healthz.
	Token string
}

// StatusFunc adds node specific fields to the /healthz body.
type StatusFunc func() map[string]any

// NewAdminRouter serves /healthz and /metrics with request logging and
// request metrics.
func NewAdminRouter(cfg AdminConfig, logger zerolog.Logger, status StatusFunc) *gin.Engine {
	RegisterMetrics()
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware(cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	if token := strings.TrimSpace(cfg.Token); token != "" {
		r.Use(auth.RequireToken(auth.StaticToken{Token: token}, "/healthz"))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{
			"status": "ok",
			"node":   cfg.Node,
			"uptime": time.Since(started).String(),
		}
		if status != nil {
			for k, v := range status() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// ServeAdmin runs h on ln until ctx ends, then shuts down gracefully.
func ServeAdmin(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost"}
	}
	return out
}
