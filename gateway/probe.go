package gateway

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Probe reports whether a TCP listener is accepting connections on the
// loopback interface at the given port. Any dial failure collapses to
// false; the probe never returns an error and never holds a socket past
// its return.
func Probe(ctx context.Context, port int, timeout time.Duration) bool {
	dialer := &net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
