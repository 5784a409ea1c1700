// Package webhook exposes the gateway over HTTP: an inbound message webhook
// for WhatsApp business providers, admin session endpoints, health and
// Prometheus metrics.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/copilot"
)

// HealthFunc reports component status for /health. A false ok turns the
// response into 503.
type HealthFunc func(ctx context.Context) (status map[string]any, ok bool)

// Options are the optional collaborators of the server.
type Options struct {
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Health adds component checks to /health.
	Health HealthFunc
}

// Server is the HTTP server.
type Server struct {
	cfg       copilot.WebhookConfig
	gateway   *copilot.Gateway
	opts      Options
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	// baseCtx outlives client connections; in-flight turns stop when it is
	// cancelled by Stop.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a server. It does not listen until Start.
func New(cfg copilot.WebhookConfig, gw *copilot.Gateway, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8085"
	}
	if cfg.InboundTimeout <= 0 {
		cfg.InboundTimeout = 3 * time.Minute
	}
	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		gateway:    gw,
		opts:       opts,
		logger:     logger.With("component", "webhook"),
		startedAt:  time.Now(),
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/webhook/inbound", s.handleInbound)
		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{userKey}", s.handleGetSession)
			r.Delete("/{userKey}", s.handleResetSession)
		})
	})
	return r
}

// Start listens in the background until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.AuthToken == "" {
		host, _, _ := net.SplitHostPort(s.cfg.Address)
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			s.logger.Warn("webhook has no auth token and listens on a non-loopback address",
				"address", s.cfg.Address)
		}
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webhook server error", "error", err)
		}
	}()
	s.logger.Info("webhook server started", "address", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully. In-flight turns get until ctx
// expires to finish; then they are cancelled.
func (s *Server) Stop(ctx context.Context) error {
	defer s.cancelBase()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
