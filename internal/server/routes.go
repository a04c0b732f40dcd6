// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import "net/http"

// SetupRoutes configures the HTTP routes. WebSocket upgrades are accepted on
// every path, including the ones registered here.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/healthz", HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/balancer", s.BalancerHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	return s.rootHandler(mux)
}
