// Package server implements the WebSocket side of the presence relay.
//
// The implementation is organized into specialized files: the upgrade gate
// (upgrade.go, origin.go) turns handshake parameters into an UpgradeContext,
// the Manager (manager.go) owns connection and session bookkeeping, the
// Dispatcher (dispatcher.go) decodes frames and publishes shard events, and
// Client (client.go) runs the read and write pumps for one socket. Server
// (http_server.go) wires them to an http.Server.
package server
