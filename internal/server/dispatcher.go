package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/presence-relay/internal/eventbus"
	"github.com/Tyrowin/presence-relay/internal/metrics"
	"github.com/Tyrowin/presence-relay/internal/presence"
)

// Dispatcher turns inbound frames into session updates and shard events.
// Callers feed it one connection's frames sequentially; the topic of every
// event comes from the session bound to that connection.
type Dispatcher struct {
	manager *Manager
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher backed by manager.
func NewDispatcher(manager *Manager, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{manager: manager, metrics: m, logger: logger}
}

// Handle dispatches a frame and logs the outcome. It never fails.
func (d *Dispatcher) Handle(conn Conn, messageType int, data []byte) {
	d.logOutcome(conn, d.Dispatch(conn, messageType, data))
}

// Dispatch processes one frame. It returns nil, a *presence.DecodeError,
// ErrSessionNotFound, or an error for an unsupported message type.
func (d *Dispatcher) Dispatch(conn Conn, messageType int, data []byte) error {
	switch messageType {
	case websocket.BinaryMessage:
		return d.login(conn, data)
	case websocket.TextMessage:
		return d.location(conn, data)
	default:
		return fmt.Errorf("unsupported message type %d", messageType)
	}
}

func (d *Dispatcher) login(conn Conn, data []byte) error {
	record, err := presence.DecodeRecord(data)
	if err != nil {
		return err
	}

	session, err := d.manager.Update(conn, func(s *presence.Session) {
		if record.ID != nil && (s.ID == nil || *s.ID != *record.ID) {
			d.logger.Debug("client supplied session id", "conn", conn.ID(), "id", *record.ID)
		}
		s.Merge(record)
	})
	if err != nil {
		return err
	}

	d.manager.publish(session.Server, eventbus.EventLogin, session)
	return nil
}

func (d *Dispatcher) location(conn Conn, data []byte) error {
	value, err := presence.DecodeLocation(data)
	if err != nil {
		return err
	}

	session, err := d.manager.Lookup(conn)
	if err != nil {
		return err
	}

	d.manager.publish(session.Server, eventbus.EventLocation, presence.Location{
		Session: session,
		Value:   value,
		Raw:     append([]byte(nil), data...),
	})
	return nil
}

func (d *Dispatcher) logOutcome(conn Conn, err error) {
	if err == nil {
		return
	}

	var decodeErr *presence.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		d.metrics.DecodeErrors.WithLabelValues(decodeErr.Kind).Inc()
		d.logger.Warn("skipping undecodable frame", "conn", conn.ID(), "kind", decodeErr.Kind, "error", decodeErr.Err)
	case errors.Is(err, ErrSessionNotFound):
		d.logger.Debug("frame for unknown session", "conn", conn.ID())
	default:
		d.logger.Warn("frame not processed", "conn", conn.ID(), "error", err)
	}
}
