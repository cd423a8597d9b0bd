package tunnel

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenInRange(t *testing.T) {
	l, port, err := listenInRange(15100, 15110)
	require.NoError(t, err)
	defer l.Close()

	assert.GreaterOrEqual(t, port, 15100)
	assert.LessOrEqual(t, port, 15110)
}

func TestListenInRange_SkipsOccupiedPort(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:15200")
	require.NoError(t, err)
	defer occupied.Close()

	l, port, err := listenInRange(15200, 15210)
	require.NoError(t, err)
	defer l.Close()

	assert.NotEqual(t, 15200, port)
}

func TestListenInRange_Exhausted(t *testing.T) {
	var held []net.Listener
	for p := 15300; p <= 15302; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		require.NoError(t, err)
		held = append(held, l)
	}
	defer func() {
		for _, l := range held {
			l.Close()
		}
	}()

	_, _, err := listenInRange(15300, 15302)
	assert.Error(t, err)
}

func TestManager_EndpointUnknownHost(t *testing.T) {
	m := NewManager(Config{PortMin: 15400, PortMax: 15410})

	_, ok := m.Endpoint("missing")
	assert.False(t, ok)
}

func TestTunnel_Endpoint(t *testing.T) {
	tun := &Tunnel{LocalPort: 15555}
	assert.Equal(t, "tcp://127.0.0.1:15555", tun.Endpoint())
}
