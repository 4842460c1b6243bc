// Package http provides the HTTP transport layer for remindq.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	POST   /publish/deadline-reminder
//	POST   /publish/added-to-resource
//	GET    /health
//	GET    /queues/{name}/entries
//	GET    /queues/{name}/ws
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/remindq/internal/broker"
	"github.com/snehjoshi/remindq/internal/config"
	"github.com/snehjoshi/remindq/internal/metrics"
	"github.com/snehjoshi/remindq/internal/node"
	transportws "github.com/snehjoshi/remindq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with remindq route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from a Broker. inst and reg may be nil.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, inst *node.Instance, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{broker: b, instance: inst, store: string(cfg.Store.Backend)}
	ws := &transportws.Handler{
		Broker:       b,
		PollInterval: cfg.WebSocket.PollInterval.Std(),
		MaxEntries:   cfg.WebSocket.MaxEntries,
	}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Producers
	mux.HandleFunc("POST /publish/deadline-reminder", h.publishDeadlineReminder)
	mux.HandleFunc("POST /publish/added-to-resource", h.publishAddedToResource)

	// Read-only queue views
	mux.HandleFunc("GET /queues/{name}/entries", h.listEntries)
	mux.Handle("GET /queues/{name}/ws", ws)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	handler := chain(mux,
		CORSMiddleware(cfg.Server.CORSOrigins),
		MaxBodyMiddleware,
		LoggingMiddleware(reg),
		RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout.Std(),
			WriteTimeout: cfg.Server.WriteTimeout.Std(),
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
