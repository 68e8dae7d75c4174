package core

import (
	"fmt"
	"net"
	"os"
)

// NotifyReady tells systemd the service finished starting. It is a no-op
// when the process was not started with Type=notify.
func NotifyReady() error {
	return sdNotify("READY=1")
}

// NotifyStopping tells systemd the service is shutting down
func NotifyStopping() error {
	return sdNotify("STOPPING=1")
}

func sdNotify(state string) error {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return nil
	}
	// Abstract namespace sockets are announced with a leading @
	if socket[0] == '@' {
		socket = "\x00" + socket[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("failed to connect to notify socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("failed to write to notify socket: %w", err)
	}
	return nil
}
