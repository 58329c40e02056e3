package collcheck

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOpenPort(t *testing.T) {
	port, err := GetOpenPort()
	require.NoError(t, err)
	require.Greater(t, port, 0)
	require.LessOrEqual(t, port, 65535)

	// The socket was released: the port must be immediately bindable.
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	defer ln.Close()

	// With the first port still bound, a new allocation must yield a
	// different, bindable port.
	port2, err := GetOpenPort()
	require.NoError(t, err)
	require.NotEqual(t, port, port2)
	ln2, err := net.Listen("tcp", fmt.Sprintf(":%d", port2))
	require.NoError(t, err)
	require.NoError(t, ln2.Close())
}

func TestGetOpenPort_RepeatedAllocation(t *testing.T) {
	// Repeated allocation-and-bind: every returned port must be unbound at
	// the time it is returned.
	var held []net.Listener
	defer func() {
		for _, ln := range held {
			_ = ln.Close()
		}
	}()
	for i := 0; i < 20; i++ {
		port, err := GetOpenPort()
		require.NoError(t, err)
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		require.NoErrorf(t, err, "allocation #%d returned port %d that cannot be bound", i, port)
		held = append(held, ln)
	}
}
