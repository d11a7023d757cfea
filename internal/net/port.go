// Package net picks listen addresses for services hosted in child processes.
package net

import (
	"fmt"
	"net"
	"strconv"
)

// GetEphemeralTCPPort asks the kernel for a free loopback port and releases it.
// Another process may take the port before it is used again.
func GetEphemeralTCPPort() (int, error) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// LoopbackAddr returns a free "127.0.0.1:port" address for a child to listen on.
// The child has to bind it itself, since a listener can't be handed over the channel.
func LoopbackAddr() (string, error) {
	port, err := GetEphemeralTCPPort()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
}
