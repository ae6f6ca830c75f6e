// Package server constructs and starts the chat HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server ties the hub, the router and the HTTP surface of one chat process.
type Server struct {
	cfg      Config
	log      *zap.Logger
	metrics  *Metrics
	hub      *Hub
	router   *Router
	upgrader websocket.Upgrader
	http     *http.Server
}

// New wires a chat server around mailbox. Call Start before serving.
func New(cfg Config, mailbox Mailbox, log *zap.Logger) *Server {
	cfg = sanitizeConfig(cfg)
	metrics := NewMetrics(cfg.MetricsNamespace)
	hub := NewHub(cfg, log, metrics)
	origins := newOriginPolicy(cfg.Origins(), log)

	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		hub:     hub,
		router:  NewRouter(hub, mailbox, cfg.RoutingPolicy, cfg.DrainTimeout, log, metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
	s.http = CreateServer(cfg.Addr, s.SetupRoutes())
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router returns the server's message router.
func (s *Server) Router() *Router {
	return s.router
}

// Handler returns the HTTP handler of the server, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Start runs the hub in the background. It must be called once, before any
// connection is accepted.
func (s *Server) Start() {
	go s.hub.Run()
	s.log.Info("Hub started and ready to manage WebSocket connections",
		zap.String("routing_policy", string(s.cfg.RoutingPolicy)))
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("Server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting HTTP requests, then closes every live connection
// and waits for their pumps and background drains.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server")

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warn("HTTP server shutdown error", zap.Error(err))
		errs = append(errs, err)
	}

	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), 0)
	}
	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, err)
	}

	s.log.Info("Server shutdown completed")
	return errors.Join(errs...)
}
