package agentclient

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ForwardParams mirrors the open_tunnel command args.
type ForwardParams struct {
	TunnelID    string `json:"tunnel_id"`
	RemoteHost  string `json:"remote_host"`
	RemotePort  int    `json:"remote_port"`
	LocalPort   int    `json:"local_port"`
	SSHHost     string `json:"ssh_host"`
	SSHPort     int    `json:"ssh_port"`
	SSHUser     string `json:"ssh_user"`
	SSHPassword string `json:"ssh_password"`
}

// forward is one established reverse forward: the SSH server listens on the
// forward port and every accepted connection is piped to the target host on
// the device's network.
type forward struct {
	client   *ssh.Client
	listener net.Listener
	done     chan struct{}
}

type TunnelManager struct {
	mu       sync.Mutex
	forwards map[string]*forward
}

func NewTunnelManager() *TunnelManager {
	return &TunnelManager{forwards: make(map[string]*forward)}
}

// Open establishes the SSH reverse forward for a tunnel. Opening an id that
// is already forwarding replaces the old forward.
func (m *TunnelManager) Open(p ForwardParams) error {
	if p.TunnelID == "" {
		return fmt.Errorf("tunnel_id is required")
	}

	sshPort := p.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}

	config := &ssh.ClientConfig{
		User: p.SSHUser,
		Auth: []ssh.AuthMethod{
			ssh.Password(p.SSHPassword),
		},
		// Relay hosts are operator-provided per tunnel; there is no host
		// key store on the device.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", p.SSHHost, sshPort)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	listener, err := client.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", p.LocalPort))
	if err != nil {
		client.Close()
		return fmt.Errorf("remote listen on %d: %w", p.LocalPort, err)
	}

	f := &forward{
		client:   client,
		listener: listener,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.forwards[p.TunnelID]; ok {
		old.stop()
	}
	m.forwards[p.TunnelID] = f
	m.mu.Unlock()

	target := fmt.Sprintf("%s:%d", p.RemoteHost, p.RemotePort)
	go f.serve(p.TunnelID, target)

	slog.Info("Tunnel forward established",
		"tunnel_id", p.TunnelID,
		"target", target,
		"forward_port", p.LocalPort)
	return nil
}

// Close tears down a forward. Unknown ids are a no-op.
func (m *TunnelManager) Close(tunnelID string) {
	m.mu.Lock()
	f, ok := m.forwards[tunnelID]
	if ok {
		delete(m.forwards, tunnelID)
	}
	m.mu.Unlock()

	if ok {
		f.stop()
		slog.Info("Tunnel forward closed", "tunnel_id", tunnelID)
	}
}

func (m *TunnelManager) CloseAll() {
	m.mu.Lock()
	forwards := m.forwards
	m.forwards = make(map[string]*forward)
	m.mu.Unlock()

	for id, f := range forwards {
		f.stop()
		slog.Info("Tunnel forward closed", "tunnel_id", id)
	}
}

func (m *TunnelManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forwards)
}

func (f *forward) stop() {
	close(f.done)
	f.listener.Close()
	f.client.Close()
}

func (f *forward) serve(tunnelID, target string) {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.done:
			default:
				slog.Warn("Tunnel listener failed", "tunnel_id", tunnelID, "error", err)
			}
			return
		}
		go pipe(conn, target)
	}
}

func pipe(conn net.Conn, target string) {
	defer conn.Close()

	local, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		slog.Warn("Failed to reach tunnel target", "target", target, "error", err)
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(local, conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, local)
		done <- struct{}{}
	}()
	<-done
}
