// Package server defines the transport interface and error values shared by
// the manager, dispatcher and client.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrRejected is returned by Open while the server refuses new connections.
	ErrRejected = errors.New("server is not accepting new connections")
	// ErrSessionNotFound means the connection is closed or was never opened.
	ErrSessionNotFound = errors.New("session not found")
	// ErrBackpressure means the outbound buffer is over its watermark and the
	// payload was dropped.
	ErrBackpressure = errors.New("outbound buffer over backpressure watermark")
	// ErrConnClosed is returned when sending to a connection that has shut down.
	ErrConnClosed = errors.New("connection closed")
)

// Conn is a live client connection as the Manager sees it.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
