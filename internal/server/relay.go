package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Tyrowin/presence-relay/internal/eventbus"
	"github.com/Tyrowin/presence-relay/internal/presence"
)

// Relay is the built-in downstream subscriber. For every shard it watches it
// forwards location frames to the other connections on that shard and
// announces logins to the global broadcast group.
type Relay struct {
	manager *Manager
	bus     *eventbus.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	watched map[int][]*eventbus.Subscription
}

// NewRelay creates a Relay that fans out through manager.
func NewRelay(manager *Manager, bus *eventbus.Bus, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		manager: manager,
		bus:     bus,
		logger:  logger,
		watched: make(map[int][]*eventbus.Subscription),
	}
}

// Watch subscribes to the location and login topics of shardID. Watching a
// shard twice is a no-op.
func (r *Relay) Watch(shardID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.watched[shardID]; ok {
		return
	}
	r.watched[shardID] = []*eventbus.Subscription{
		r.bus.Subscribe(eventbus.ShardTopic(shardID, eventbus.EventLocation), r.forwardLocation),
		r.bus.Subscribe(eventbus.ShardTopic(shardID, eventbus.EventLogin), r.announceLogin),
	}
	r.logger.Debug("relay watching shard", "shard", shardID)
}

// Stop removes every relay subscription.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for shardID, subs := range r.watched {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		delete(r.watched, shardID)
	}
}

func (r *Relay) forwardLocation(m eventbus.Message) error {
	loc, ok := m.Payload.(presence.Location)
	if !ok {
		return fmt.Errorf("unexpected location payload %T", m.Payload)
	}
	r.manager.BroadcastShard(loc.Session.Server, loc.Raw, loc.Session.DeviceID)
	return nil
}

func (r *Relay) announceLogin(m eventbus.Message) error {
	session, ok := m.Payload.(presence.Session)
	if !ok {
		return fmt.Errorf("unexpected login payload %T", m.Payload)
	}
	payload, err := json.Marshal(map[string]any{"type": eventbus.EventLogin, "session": session})
	if err != nil {
		return fmt.Errorf("encode login announcement: %w", err)
	}
	r.manager.Broadcast(payload, session.DeviceID)
	return nil
}
