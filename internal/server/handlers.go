// Package server exposes HTTP handlers, including WebSocket upgrades and
// health checks.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// WebSocketHandler upgrades GET requests to WebSocket and attaches the new
// connection to the hub, which starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, s.router, r.RemoteAddr, s.cfg, s.log)
	if !s.hub.Attach(client) {
		s.log.Info("Rejected connection during shutdown", zap.String("remote", r.RemoteAddr))
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "privchat server is running!")
}

type healthStatus struct {
	Status        string        `json:"status"`
	Sessions      int           `json:"sessions"`
	Chats         int           `json:"chats"`
	RoutingPolicy RoutingPolicy `json:"routing_policy"`
}

// HealthzHandler reports live session and chat counts as JSON.
func (s *Server) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	status := healthStatus{
		Status:        "ok",
		Sessions:      s.hub.SessionCount(),
		Chats:         s.hub.ChatCount(),
		RoutingPolicy: s.cfg.RoutingPolicy,
	}
	w.Header().Set("Content-Type", "application/json")
	if s.hub.Context().Err() != nil {
		status.Status = "shutting_down"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warn("Error writing health response", zap.Error(err))
	}
}
