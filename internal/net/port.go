package net

import (
	"fmt"
	"net"
)

// EphemeralAddr reserves a free TCP port on host and returns it as host:port.
// The port is released before returning, so another process could grab it first.
func EphemeralAddr(host string) (string, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
