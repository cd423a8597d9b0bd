package router

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/drydock-sh/drydock/pkg/runtime"
	"github.com/drydock-sh/drydock/pkg/tunnel"
	"github.com/drydock-sh/drydock/pkg/types"
)

// DefaultDockerPort is the daemon TCP port assumed when a remote endpoint
// omits one.
const DefaultDockerPort = "2376"

// Connector resolves worker hosts to Docker clients, opening SSH tunnels for
// hosts that declare forwarding config. Clients are cached per host and
// invalidated when the host record changes or is deleted.
type Connector struct {
	tunnels *tunnel.Manager

	mu      sync.Mutex
	clients map[string]*runtime.Client
}

// NewConnector creates a connector backed by the given tunnel manager.
func NewConnector(tunnels *tunnel.Manager) *Connector {
	return &Connector{
		tunnels: tunnels,
		clients: make(map[string]*runtime.Client),
	}
}

// ClientFor returns a Docker client reaching the host's daemon.
func (c *Connector) ClientFor(h *types.WorkerHost) (*runtime.Client, error) {
	c.mu.Lock()
	if cached, ok := c.clients[h.ID]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	endpoint, err := c.resolveEndpoint(h)
	if err != nil {
		return nil, err
	}
	client, err := runtime.New(endpoint)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.clients[h.ID]; ok {
		_ = client.Close()
		return cached, nil
	}
	c.clients[h.ID] = client
	return client, nil
}

// Invalidate drops the cached client and tunnel for a host. Called when the
// host is updated or deleted and after a failed probe.
func (c *Connector) Invalidate(hostID string) {
	c.mu.Lock()
	client, ok := c.clients[hostID]
	delete(c.clients, hostID)
	c.mu.Unlock()
	if ok {
		_ = client.Close()
	}
	if c.tunnels != nil {
		c.tunnels.Close(hostID)
	}
}

// Close tears down all cached clients and tunnels.
func (c *Connector) Close() {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]*runtime.Client)
	c.mu.Unlock()
	for _, client := range clients {
		_ = client.Close()
	}
	if c.tunnels != nil {
		c.tunnels.CloseAll()
	}
}

func (c *Connector) resolveEndpoint(h *types.WorkerHost) (string, error) {
	switch h.Kind {
	case types.HostLocalSocket:
		if h.Endpoint == "" {
			return runtime.DefaultSocketEndpoint, nil
		}
		if strings.HasPrefix(h.Endpoint, "unix://") {
			return h.Endpoint, nil
		}
		return "unix://" + h.Endpoint, nil

	case types.HostRemoteTCP:
		if h.SSH.IsZero() {
			return h.Endpoint, nil
		}
		if c.tunnels == nil {
			return "", fmt.Errorf("host %s requires ssh forwarding but no tunnel manager is configured", h.ID)
		}
		t, err := c.tunnels.Open(h.ID, h.SSH, daemonAddr(h.Endpoint))
		if err != nil {
			return "", fmt.Errorf("failed to open tunnel for host %s: %w", h.ID, err)
		}
		return t.Endpoint(), nil

	default:
		return "", fmt.Errorf("unknown host kind %q", h.Kind)
	}
}

// daemonAddr extracts host:port from a tcp:// endpoint, defaulting the port.
func daemonAddr(endpoint string) string {
	addr := strings.TrimPrefix(endpoint, "tcp://")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultDockerPort)
	}
	return addr
}
