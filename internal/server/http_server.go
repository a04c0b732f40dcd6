// Package server constructs, starts and stops the relay HTTP service.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/presence-relay/internal/eventbus"
	"github.com/Tyrowin/presence-relay/internal/metrics"
	"github.com/Tyrowin/presence-relay/internal/shard"
)

var errNotStarted = errors.New("server not started")

// Server owns every relay component and the http.Server in front of them.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	bus        *eventbus.Bus
	shards     *shard.Assigner
	manager    *Manager
	dispatcher *Dispatcher
	relay      *Relay
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
}

// New wires the bus, shard assigner, manager, dispatcher and optional relay
// for cfg. cfg must already be validated.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New()
	bus := eventbus.New(logger.With("component", "eventbus"))
	bus.OnHandlerError = func(string, error) { m.HandlerErrors.Inc() }

	shards := shard.New(logger.With("component", "shard"))
	shards.Listen(bus)
	shards.OnAdvance(func(n int) { m.CurrentShard.Set(float64(n)) })

	manager := NewManager(shards, bus, m, logger.With("component", "manager"))
	dispatcher := NewDispatcher(manager, m, logger.With("component", "dispatcher"))

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		shards:     shards,
		manager:    manager,
		dispatcher: dispatcher,
		metrics:    m,
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: cfg.Compression,
		CheckOrigin:       origins.checkOrigin,
	}

	if cfg.Relay {
		s.relay = NewRelay(manager, bus, logger.With("component", "relay"))
		s.relay.Watch(shards.Current())
		shards.OnAdvance(s.relay.Watch)
	}

	return s
}

// Bus returns the event bus downstream subscribers register on.
func (s *Server) Bus() *eventbus.Bus { return s.bus }

// Manager returns the connection manager.
func (s *Server) Manager() *Manager { return s.manager }

// Shards returns the shard assigner.
func (s *Server) Shards() *shard.Assigner { return s.shards }

// CreateServer creates and configures an HTTP server with the specified address and handler.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServe binds the configured port and serves until Shutdown. It
// signals readiness to the supervisor once the listener is open.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	httpServer := CreateServer(ln.Addr().String(), s.SetupRoutes())

	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String())
	notifySupervisor("READY=1")

	err := httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and closes the listener. Open
// WebSocket connections are left to finish on their own; use Wait to block
// on them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.RejectNew()
	notifySupervisor("STOPPING=1")

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return errNotStarted
	}

	s.logger.Info("shutting down HTTP server")
	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown completed", "open_connections", s.manager.Count())
	return nil
}

// Wait blocks until every open connection has closed or timeout elapses.
func (s *Server) Wait(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.manager.Wait(ctx)
	if s.relay != nil {
		s.relay.Stop()
	}
	return err
}
