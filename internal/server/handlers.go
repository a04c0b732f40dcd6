// Package server exposes HTTP handlers, including WebSocket upgrades, health
// and readiness checks, and the balancer control input.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/presence-relay/internal/eventbus"
	"github.com/Tyrowin/presence-relay/internal/shard"
)

// HealthBody is the plain text body of the health endpoints.
const HealthBody = "presence relay is running"

// WebSocketHandler handles WebSocket upgrade requests on any path. It parses
// the upgrade context, upgrades the connection and opens a session. The pumps
// start only after the open event has been published.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	uc := ParseUpgrade(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s.manager, s.dispatcher, limitsFromConfig(s.cfg), r.RemoteAddr, s.logger)
	client.onDrain = s.onDrain

	if _, err := s.manager.Open(client, uc); err != nil {
		s.logger.Info("connection not opened", "conn", client.ID(), "error", err)
		return
	}
	if !client.start() {
		s.logger.Info("connection opened during shutdown, closing", "conn", client.ID())
		s.manager.Close(client)
		_ = client.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, HealthBody)
}

// ReadyHandler answers 200 while the server accepts connections and 503 once
// shutdown has begun.
func (s *Server) ReadyHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.manager.Rejecting() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, "shutting down")
		return
	}
	_, _ = fmt.Fprint(w, "ready")
}

// BalancerHandler accepts {"state":"busy","server":"server1"} and publishes
// it on the balancer topic.
func (s *Server) BalancerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	var sig shard.Signal
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	if err := dec.Decode(&sig); err != nil {
		http.Error(w, "invalid balancer signal: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := sig.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.bus.Publish(eventbus.BalancerTopic, sig)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"currentServer": s.shards.Current()})
}

// rootHandler sends upgrade requests to the WebSocket handler regardless of
// path and everything else to the mux.
func (s *Server) rootHandler(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.WebSocketHandler(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) onDrain(c *Client, buffered int64) {
	s.metrics.Drains.Inc()
	s.logger.Debug("WebSocket backpressure drained", "conn", c.ID(), "buffered", buffered)
}
