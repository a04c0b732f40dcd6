// Package server manages individual WebSocket clients, handling read/write
// pumps, idle timeouts, payload limits and outbound backpressure for each
// connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Limits are the per-connection transport limits.
type Limits struct {
	MaxPayloadLength int64
	MaxBackpressure  int64
	IdleTimeout      time.Duration
	SendBuffer       int
}

func limitsFromConfig(cfg Config) Limits {
	return Limits{
		MaxPayloadLength: cfg.MaxPayloadLength,
		MaxBackpressure:  cfg.MaxBackpressure,
		IdleTimeout:      cfg.IdleTimeout,
		SendBuffer:       cfg.SendBuffer,
	}
}

// Client is one WebSocket connection. The read pump is the only goroutine
// that dispatches frames or closes the session, which keeps a connection's
// events in arrival order and guarantees nothing follows the close event.
type Client struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	manager    *Manager
	dispatcher *Dispatcher
	limits     Limits
	addr       string
	logger     *slog.Logger

	buffered atomic.Int64
	choked   atomic.Bool

	// onDrain runs when the buffer falls back under the watermark after
	// having exceeded it.
	onDrain func(c *Client, buffered int64)
}

// NewClient creates a Client for conn. conn may be nil in tests that never
// start the pumps.
func NewClient(conn *websocket.Conn, manager *Manager, dispatcher *Dispatcher, limits Limits, addr string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.SendBuffer <= 0 {
		limits.SendBuffer = DefaultSendBuffer
	}
	c := &Client{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, limits.SendBuffer),
		done:       make(chan struct{}),
		manager:    manager,
		dispatcher: dispatcher,
		limits:     limits,
		addr:       addr,
	}
	c.logger = logger.With("conn", c.id, "addr", addr)
	return c
}

// ID returns the connection's unique handle.
func (c *Client) ID() string {
	return c.id
}

// Buffered returns the bytes queued for writing.
func (c *Client) Buffered() int64 {
	return c.buffered.Load()
}

// Send queues a text frame. Payloads are dropped with ErrBackpressure once
// the queued bytes exceed the watermark or the queue is full.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	if c.limits.MaxBackpressure > 0 && c.buffered.Load() > c.limits.MaxBackpressure {
		c.choke()
		return ErrBackpressure
	}

	size := int64(len(payload))
	c.buffered.Add(size)
	select {
	case c.send <- payload:
		return nil
	default:
		c.buffered.Add(-size)
		c.choke()
		return ErrBackpressure
	}
}

// Close shuts the connection down. It is safe to call from any goroutine and
// more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) choke() {
	if c.choked.CompareAndSwap(false, true) {
		c.logger.Debug("outbound buffer over watermark", "buffered", c.buffered.Load())
	}
}

// start launches both pumps through the manager so shutdown can wait on them.
// It reports false when the manager is no longer accepting goroutines.
func (c *Client) start() bool {
	return c.manager.track(c.writePump, c.readPump)
}

// setupReadConnection configures the read limit, idle deadline and pong handler.
func (c *Client) setupReadConnection() {
	c.conn.SetReadLimit(c.limits.MaxPayloadLength)
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})
}

func (c *Client) extendDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.limits.IdleTimeout)); err != nil {
		c.logger.Warn("error setting read deadline", "error", err)
	}
}

// logReadError records why the read loop stopped.
func (c *Client) logReadError(err error) {
	var netErr interface{ Timeout() bool }

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Info("payload exceeded maximum length, closing", "max", c.limits.MaxPayloadLength)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Debug("client disconnected", "error", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Info("idle timeout, closing", "idle", c.limits.IdleTimeout)
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isExpectedCloseError(err):
		c.logger.Debug("connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		c.logger.Warn("unexpected WebSocket close", "error", err)
	default:
		c.logger.Debug("WebSocket read ended", "error", err)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.manager.Close(c)
		if err := c.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.extendDeadline()
		c.dispatcher.Handle(c, messageType, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod())
	defer func() {
		ticker.Stop()
		if err := c.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in writePump", "error", err)
		}
	}()

	for c.processWriteEvent(ticker) {
	}
}

func (c *Client) pingPeriod() time.Duration {
	period := c.limits.IdleTimeout * 9 / 10
	if period <= 0 {
		period = time.Second
	}
	return period
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		return false
	}
}

// writeTextMessage writes one frame and fires the drain hook when the buffer
// comes back under the watermark.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}
	err := c.conn.WriteMessage(websocket.TextMessage, message)
	remaining := c.buffered.Add(-int64(len(message)))
	if err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}

	if remaining <= c.limits.MaxBackpressure && c.choked.CompareAndSwap(true, false) {
		if c.onDrain != nil {
			c.onDrain(c, remaining)
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("error writing ping message", "error", err)
		return false
	}
	return true
}
