package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Probe_NoListener(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	start := time.Now()
	assert.False(t, Probe(context.Background(), port, 250*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func Test_Probe_Listener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	assert.True(t, Probe(context.Background(), port, time.Second))
}

func Test_Probe_CancelledContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	port := listener.Addr().(*net.TCPAddr).Port
	assert.False(t, Probe(ctx, port, time.Second))
}
