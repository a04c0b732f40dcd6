// Package server coordinates connection registration, session bookkeeping
// and fan-out to connected clients via the Manager type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/presence-relay/internal/eventbus"
	"github.com/Tyrowin/presence-relay/internal/metrics"
	"github.com/Tyrowin/presence-relay/internal/presence"
	"github.com/Tyrowin/presence-relay/internal/shard"
)

// Manager owns the connection to session mapping and device id allocation.
// Every table is guarded by mu; events are published after the lock is
// released so subscribers may call back into the Manager.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[Conn]*presence.Session
	devices    map[Conn]uint64
	group      map[Conn]struct{}
	lastDevice uint64

	rejecting atomic.Bool

	// trackMu orders wg.Add against Wait; once waiting is set no new
	// goroutines are tracked.
	trackMu sync.Mutex
	waiting bool
	wg      sync.WaitGroup

	shards  *shard.Assigner
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager that assigns shards from shards and announces
// lifecycle events on bus.
func NewManager(shards *shard.Assigner, bus *eventbus.Bus, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[Conn]*presence.Session),
		devices:  make(map[Conn]uint64),
		group:    make(map[Conn]struct{}),
		shards:   shards,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Open registers conn and publishes server{N}::open. While the Manager is
// rejecting new connections the conn is closed and ErrRejected returned.
func (m *Manager) Open(conn Conn, uc UpgradeContext) (presence.Session, error) {
	if m.rejecting.Load() {
		m.metrics.ConnectionsRejected.Inc()
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			m.logger.Warn("error closing rejected connection", "conn", conn.ID(), "error", err)
		}
		return presence.Session{}, ErrRejected
	}

	m.mu.Lock()
	m.lastDevice++
	deviceID := m.lastDevice
	session := presence.NewSession(deviceID, m.shards.Assign(), uc.Space, uc.Host, m.now())
	m.sessions[conn] = &session
	m.devices[conn] = deviceID
	m.group[conn] = struct{}{}
	snapshot := session.Clone()
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.ConnectionsTotal.Inc()
	m.metrics.ConnectionsActive.Set(float64(count))
	m.logger.Info("connection opened",
		"conn", conn.ID(),
		"device", deviceID,
		"shard", snapshot.Server,
		"space", snapshot.Space,
		"host", snapshot.Host,
		"total", count,
	)

	m.publish(snapshot.Server, eventbus.EventOpen, snapshot)
	return snapshot, nil
}

// Close forgets conn and publishes server{N}::close with the last session.
// Unknown connections are ignored.
func (m *Manager) Close(conn Conn) {
	m.mu.Lock()
	session, ok := m.sessions[conn]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, conn)
	delete(m.devices, conn)
	delete(m.group, conn)
	snapshot := session.Clone()
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.ConnectionsActive.Set(float64(count))
	m.logger.Info("connection closed",
		"conn", conn.ID(),
		"device", snapshot.DeviceID,
		"shard", snapshot.Server,
		"total", count,
	)

	m.publish(snapshot.Server, eventbus.EventClose, snapshot)
}

// Lookup returns a snapshot of the session bound to conn.
func (m *Manager) Lookup(conn Conn) (presence.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[conn]
	if !ok {
		return presence.Session{}, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// Update applies fn to the live session of conn and returns the result.
func (m *Manager) Update(conn Conn, fn func(*presence.Session)) (presence.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[conn]
	if !ok {
		return presence.Session{}, ErrSessionNotFound
	}
	fn(session)
	return session.Clone(), nil
}

// DeviceID returns the device id allocated to conn.
func (m *Manager) DeviceID(conn Conn) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.devices[conn]
	return id, ok
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RejectNew makes every later Open close its connection. Open connections are
// not affected.
func (m *Manager) RejectNew() {
	if m.rejecting.CompareAndSwap(false, true) {
		m.logger.Info("rejecting new connections")
	}
}

// Rejecting reports whether RejectNew has been called.
func (m *Manager) Rejecting() bool {
	return m.rejecting.Load()
}

// Broadcast sends payload to every connection in the global group except
// the one with device id except (0 excludes nobody). It returns the number
// of connections that accepted the payload.
func (m *Manager) Broadcast(payload []byte, except uint64) int {
	return m.fanOut(payload, func(s *presence.Session) bool {
		return s.DeviceID != except
	})
}

// BroadcastShard is Broadcast restricted to sessions on shard.
func (m *Manager) BroadcastShard(shardID int, payload []byte, except uint64) int {
	return m.fanOut(payload, func(s *presence.Session) bool {
		return s.Server == shardID && s.DeviceID != except
	})
}

func (m *Manager) fanOut(payload []byte, include func(*presence.Session) bool) int {
	targets := m.groupSnapshot(include)

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			m.logger.Debug("dropped outbound payload", "conn", conn.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// groupSnapshot copies the matching members so sends happen without the lock.
func (m *Manager) groupSnapshot(include func(*presence.Session) bool) []Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]Conn, 0, len(m.group))
	for conn := range m.group {
		if session, ok := m.sessions[conn]; ok && include(session) {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (m *Manager) publish(shardID int, event string, payload any) {
	m.bus.Publish(eventbus.ShardTopic(shardID, event), payload)
	m.metrics.EventsPublished.WithLabelValues(event).Inc()
}

// track runs every fn in its own goroutine counted by Wait. It reports false
// and starts nothing once Wait has been called.
func (m *Manager) track(fns ...func()) bool {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()

	if m.waiting {
		return false
	}
	m.wg.Add(len(fns))
	for _, fn := range fns {
		fn := fn
		go func() {
			defer m.wg.Done()
			fn()
		}()
	}
	return true
}

// Wait blocks until every connection goroutine has returned or ctx is done.
// Connections that try to start after Wait is called are refused.
func (m *Manager) Wait(ctx context.Context) error {
	m.trackMu.Lock()
	m.waiting = true
	m.trackMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all connections finished")
		return nil
	case <-ctx.Done():
		m.logger.Warn("connections still open at shutdown deadline", "open", m.Count())
		return ctx.Err()
	}
}
