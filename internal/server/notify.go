package server

import (
	"net"
	"os"
)

// notifySupervisor sends a state string such as "READY=1" to the sd_notify
// socket. Does nothing if NOTIFY_SOCKET is not set.
func notifySupervisor(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()

	_, _ = conn.Write([]byte(state))
}
