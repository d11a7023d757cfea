package net

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackAddr(t *testing.T) {
	addr, err := LoopbackAddr()
	require.NoError(t, err)

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEqual(t, "0", port)

	// released, so it can be bound again
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	l.Close()
}
