package tunnel

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/drydock-sh/drydock/pkg/log"
	"github.com/drydock-sh/drydock/pkg/types"
)

// Config controls tunnel establishment.
type Config struct {
	PortMin     int
	PortMax     int
	DialTimeout time.Duration
}

// Tunnel is one local TCP listener forwarding through an SSH connection to a
// remote address. It stays open until Close or until the SSH connection dies.
type Tunnel struct {
	HostID     string
	LocalPort  int
	RemoteAddr string

	client   *ssh.Client
	listener net.Listener
	closeOne sync.Once
	done     chan struct{}
}

// Endpoint returns the Docker host URL reaching the remote daemon through
// the local forward.
func (t *Tunnel) Endpoint() string {
	return fmt.Sprintf("tcp://127.0.0.1:%d", t.LocalPort)
}

// Close tears down the listener and the SSH connection. Safe to call twice.
func (t *Tunnel) Close() {
	t.closeOne.Do(func() {
		close(t.done)
		_ = t.listener.Close()
		_ = t.client.Close()
	})
}

func (t *Tunnel) serve(logger zerolog.Logger) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				logger.Warn().Err(err).Msg("tunnel listener closed unexpectedly")
				t.Close()
			}
			return
		}
		go t.forward(conn, logger)
	}
}

func (t *Tunnel) forward(local net.Conn, logger zerolog.Logger) {
	remote, err := t.client.Dial("tcp", t.RemoteAddr)
	if err != nil {
		logger.Warn().Err(err).Str("remote", t.RemoteAddr).Msg("tunnel forward dial failed")
		_ = local.Close()
		return
	}

	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(remote, local)
	go cp(local, remote)
	<-done

	_ = local.Close()
	_ = remote.Close()
}

// Manager owns one tunnel per worker host and hands out local endpoints.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// NewManager creates a tunnel manager allocating local ports in the
// configured range.
func NewManager(cfg Config) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		logger:  log.WithComponent("tunnel"),
		tunnels: make(map[string]*Tunnel),
	}
}

// Open returns the tunnel for the host, establishing it if absent. remoteAddr
// is the host:port of the Docker daemon as seen from the SSH server.
func (m *Manager) Open(hostID string, cfg types.SSHConfig, remoteAddr string) (*Tunnel, error) {
	if cfg.IsZero() {
		return nil, fmt.Errorf("host %s has no ssh config", hostID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tunnels[hostID]; ok {
		select {
		case <-t.done:
			delete(m.tunnels, hostID)
		default:
			return t, nil
		}
	}

	client, err := m.dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ssh for host %s: %w", hostID, err)
	}

	listener, port, err := listenInRange(m.cfg.PortMin, m.cfg.PortMax)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	t := &Tunnel{
		HostID:     hostID,
		LocalPort:  port,
		RemoteAddr: remoteAddr,
		client:     client,
		listener:   listener,
		done:       make(chan struct{}),
	}
	m.tunnels[hostID] = t

	logger := m.logger.With().Str("host_id", hostID).Int("local_port", port).Logger()
	go t.serve(logger)
	go func() {
		_ = client.Wait()
		t.Close()
		m.mu.Lock()
		if m.tunnels[hostID] == t {
			delete(m.tunnels, hostID)
		}
		m.mu.Unlock()
		logger.Info().Msg("ssh connection closed, tunnel removed")
	}()

	logger.Info().Str("remote", remoteAddr).Msg("tunnel established")
	return t, nil
}

// Endpoint returns the local Docker endpoint for the host if a live tunnel
// exists.
func (m *Manager) Endpoint(hostID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[hostID]
	if !ok {
		return "", false
	}
	select {
	case <-t.done:
		return "", false
	default:
		return t.Endpoint(), true
	}
}

// Close tears down the tunnel for one host.
func (m *Manager) Close(hostID string) {
	m.mu.Lock()
	t, ok := m.tunnels[hostID]
	delete(m.tunnels, hostID)
	m.mu.Unlock()
	if ok {
		t.Close()
	}
}

// CloseAll tears down every tunnel. Called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	tunnels := m.tunnels
	m.tunnels = make(map[string]*Tunnel)
	m.mu.Unlock()
	for _, t := range tunnels {
		t.Close()
	}
}

func (m *Manager) dial(cfg types.SSHConfig) (*ssh.Client, error) {
	keyData, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         m.cfg.DialTimeout,
	}
	return ssh.Dial("tcp", fmt.Sprintf("%s:%d", cfg.Host, port), clientCfg)
}

// listenInRange binds the first free localhost port in [min, max].
func listenInRange(min, max int) (net.Listener, int, error) {
	for port := min; port <= max; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free local port in range %d-%d", min, max)
}
