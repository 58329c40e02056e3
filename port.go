package collcheck

import (
	"net"

	"github.com/pkg/errors"
)

// GetOpenPort returns a TCP port currently unbound on the local host,
// trying IPv4 first and falling back to IPv6. The socket is released
// before returning: the small window between allocation and the group's
// first bind is accepted, since both happen moments apart within one run.
//
// When neither address family can bind, the error wraps
// ErrResourceUnavailable and the run must abort before any worker starts.
func GetOpenPort() (int, error) {
	var lastErr error
	for _, network := range []string{"tcp4", "tcp6"} {
		ln, err := net.Listen(network, ":0")
		if err != nil {
			lastErr = err
			continue
		}
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()
		return port, nil
	}
	return 0, errors.Wrapf(ErrResourceUnavailable, "last bind attempt failed with %v", lastErr)
}
