// Package tunnels arbitrates SSH tunnel requests. The broker is the single
// authority for the at-most-one-live-tunnel-per-key invariant: two requests
// for the same remote target must never race two competing SSH sessions
// into existence.
package tunnels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/isidrovera/printer-management-sub000/internal/agents"
	"github.com/isidrovera/printer-management-sub000/internal/dispatch"
	"github.com/isidrovera/printer-management-sub000/internal/events"
	"github.com/isidrovera/printer-management-sub000/internal/registry"
)

var (
	// ErrTunnelConflict is returned with the blocking tunnel so the caller
	// can offer close-and-retry.
	ErrTunnelConflict = errors.New("tunnel already exists for key")
	ErrAgentNotLive   = errors.New("agent has no live session")
	ErrAgentNotFound  = errors.New("agent not found")
)

// Store is the persistence surface the broker needs. *Service implements it.
type Store interface {
	Create(ctx context.Context, t *Tunnel) error
	UpdateStatus(ctx context.Context, rowID string, status Status) error
	GetCurrent(ctx context.Context, tunnelID string) (*Tunnel, error)
	List(ctx context.Context, filter ListFilter) ([]Tunnel, error)
	LoadLive(ctx context.Context) ([]Tunnel, error)
}

// Commander dispatches correlated commands to agents. *dispatch.Dispatcher
// implements it.
type Commander interface {
	Dispatch(ctx context.Context, req dispatch.Request) (string, error)
}

// Directory resolves agent ids. *registry.Registry implements it; the broker
// consults it before reserving a key so an unknown or deleted agent is
// rejected up front instead of surfacing as a storage error.
type Directory interface {
	Get(ctx context.Context, agentID string) (*agents.Agent, bool, error)
}

// OpenParams describes a tunnel open request. SSH credentials ride the open
// command to the agent and are never persisted.
type OpenParams struct {
	AgentID     string
	RemoteHost  string
	RemotePort  int
	LocalPort   int
	SSHHost     string
	SSHPort     int
	SSHUser     string
	SSHPassword string
	Description string
	Timeout     time.Duration
}

type openCommandArgs struct {
	TunnelID    string `json:"tunnel_id"`
	RemoteHost  string `json:"remote_host"`
	RemotePort  int    `json:"remote_port"`
	LocalPort   int    `json:"local_port"`
	SSHHost     string `json:"ssh_host,omitempty"`
	SSHPort     int    `json:"ssh_port,omitempty"`
	SSHUser     string `json:"ssh_user,omitempty"`
	SSHPassword string `json:"ssh_password,omitempty"`
}

type closeCommandArgs struct {
	TunnelID string `json:"tunnel_id"`
}

type Broker struct {
	store     Store
	commander Commander
	directory Directory
	bus       *events.Bus

	mu   sync.Mutex
	live map[Key]*Tunnel
}

func NewBroker(store Store, commander Commander, directory Directory, bus *events.Bus) *Broker {
	return &Broker{
		store:     store,
		commander: commander,
		directory: directory,
		bus:       bus,
		live:      make(map[Key]*Tunnel),
	}
}

// Restore rebuilds the in-memory key table from rows still live in the
// store. Tunnels stuck in creating from a previous run are failed: their
// open command died with the process.
func (b *Broker) Restore(ctx context.Context) error {
	rows, err := b.store.LoadLive(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range rows {
		t := rows[i]
		if t.Status == StatusCreating {
			if err := b.store.UpdateStatus(ctx, t.RowID, StatusError); err != nil {
				slog.Error("Failed to fail orphaned tunnel", "tunnel_id", t.TunnelID, "error", err)
			}
			continue
		}
		b.live[t.Key()] = &t
	}

	slog.Info("Tunnel broker restored", "live_tunnels", len(b.live))
	return nil
}

// Open reserves the tunnel key and instructs the owning agent to establish
// the SSH forward. Exactly one of N concurrent identical requests wins the
// reservation; the rest get ErrTunnelConflict with the winner's record.
func (b *Broker) Open(ctx context.Context, p OpenParams) (*Tunnel, error) {
	if p.AgentID == "" || p.RemoteHost == "" {
		return nil, fmt.Errorf("agent_id and remote_host are required")
	}
	if p.RemotePort <= 0 || p.RemotePort > 65535 || p.LocalPort <= 0 || p.LocalPort > 65535 {
		return nil, fmt.Errorf("ports must be in 1-65535")
	}

	if _, _, err := b.directory.Get(ctx, p.AgentID); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("resolve agent: %w", err)
	}

	key := Key{RemoteHost: p.RemoteHost, RemotePort: p.RemotePort, LocalPort: p.LocalPort}

	t := &Tunnel{
		TunnelID:    key.String(),
		AgentID:     p.AgentID,
		RemoteHost:  p.RemoteHost,
		RemotePort:  p.RemotePort,
		LocalPort:   p.LocalPort,
		SSHHost:     p.SSHHost,
		SSHPort:     p.SSHPort,
		Description: p.Description,
		Status:      StatusCreating,
	}

	// Check-then-insert is atomic under the broker lock; the map entry is
	// the reservation.
	b.mu.Lock()
	if existing, ok := b.live[key]; ok {
		b.mu.Unlock()
		return existing, ErrTunnelConflict
	}
	b.live[key] = t
	b.mu.Unlock()

	if err := b.store.Create(ctx, t); err != nil {
		b.release(key, t)
		if errors.Is(err, ErrKeyTaken) {
			// Another process won the storage backstop; report its record.
			if existing, lookupErr := b.store.GetCurrent(ctx, t.TunnelID); lookupErr == nil {
				return existing, ErrTunnelConflict
			}
			return nil, ErrTunnelConflict
		}
		return nil, err
	}

	args, err := json.Marshal(openCommandArgs{
		TunnelID:    t.TunnelID,
		RemoteHost:  p.RemoteHost,
		RemotePort:  p.RemotePort,
		LocalPort:   p.LocalPort,
		SSHHost:     p.SSHHost,
		SSHPort:     p.SSHPort,
		SSHUser:     p.SSHUser,
		SSHPassword: p.SSHPassword,
	})
	if err != nil {
		b.fail(context.Background(), t)
		return nil, err
	}

	rowID := t.RowID
	_, err = b.commander.Dispatch(ctx, dispatch.Request{
		AgentID: p.AgentID,
		Kind:    dispatch.KindOpenTunnel,
		Payload: args,
		Timeout: p.Timeout,
		OnResult: func(res dispatch.Result) {
			b.resolveOpen(rowID, key, res)
		},
	})
	if err != nil {
		// The record stays operator-visible in error; the key is free again.
		b.fail(context.Background(), t)
		if errors.Is(err, dispatch.ErrAgentUnavailable) {
			return t, ErrAgentNotLive
		}
		return t, err
	}

	slog.Info("Tunnel open requested",
		"tunnel_id", t.TunnelID,
		"agent_id", p.AgentID)

	return t, nil
}

// resolveOpen applies the terminal outcome of the open command.
func (b *Broker) resolveOpen(rowID string, key Key, res dispatch.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b.mu.Lock()
	t, ok := b.live[key]
	if !ok || t.RowID != rowID {
		// Superseded or already closed; nothing to apply.
		b.mu.Unlock()
		return
	}

	if res.Status == dispatch.StatusAcknowledged {
		t.Status = StatusActive
		b.mu.Unlock()
		if err := b.store.UpdateStatus(ctx, rowID, StatusActive); err != nil {
			slog.Error("Failed to persist tunnel active", "tunnel_id", t.TunnelID, "error", err)
		}
		b.publish(t.AgentID, t.TunnelID, StatusActive)
		slog.Info("Tunnel active", "tunnel_id", t.TunnelID, "agent_id", t.AgentID)
		return
	}

	t.Status = StatusError
	delete(b.live, key)
	b.mu.Unlock()

	if err := b.store.UpdateStatus(ctx, rowID, StatusError); err != nil {
		slog.Error("Failed to persist tunnel error", "tunnel_id", t.TunnelID, "error", err)
	}
	b.publish(t.AgentID, t.TunnelID, StatusError)
	slog.Warn("Tunnel failed",
		"tunnel_id", t.TunnelID,
		"agent_id", t.AgentID,
		"status", res.Status,
		"detail", res.Detail)
}

// Close tears a tunnel down. The close command to the agent is best-effort;
// the local record transitions to closed regardless, so state never wedges
// behind an unreachable agent. Idempotent: closing a closed tunnel is a
// no-op, an unknown id is ErrTunnelNotFound.
func (b *Broker) Close(ctx context.Context, tunnelID string) error {
	b.mu.Lock()
	var t *Tunnel
	var key Key
	for k, cand := range b.live {
		if cand.TunnelID == tunnelID {
			t, key = cand, k
			break
		}
	}
	if t != nil {
		delete(b.live, key)
		t.Status = StatusClosed
	}
	b.mu.Unlock()

	if t == nil {
		current, err := b.store.GetCurrent(ctx, tunnelID)
		if err != nil {
			return err
		}
		if current.Status.blocking() {
			// Row outlived the in-memory table (e.g. restart); close it.
			return b.store.UpdateStatus(ctx, current.RowID, StatusClosed)
		}
		return nil
	}

	args, _ := json.Marshal(closeCommandArgs{TunnelID: tunnelID})
	if _, err := b.commander.Dispatch(ctx, dispatch.Request{
		AgentID: t.AgentID,
		Kind:    dispatch.KindCloseTunnel,
		Payload: args,
		Timeout: 10 * time.Second,
	}); err != nil {
		slog.Debug("Best-effort tunnel close command failed", "tunnel_id", tunnelID, "error", err)
	}

	if err := b.store.UpdateStatus(ctx, t.RowID, StatusClosed); err != nil {
		slog.Error("Failed to persist tunnel closed", "tunnel_id", tunnelID, "error", err)
	}
	b.publish(t.AgentID, tunnelID, StatusClosed)

	slog.Info("Tunnel closed", "tunnel_id", tunnelID, "agent_id", t.AgentID)
	return nil
}

// HandleAgentInactive errors every live tunnel owned by an agent that went
// inactive. Registered as a registry observer.
func (b *Broker) HandleAgentInactive(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b.mu.Lock()
	var lost []*Tunnel
	for key, t := range b.live {
		if t.AgentID != agentID {
			continue
		}
		delete(b.live, key)
		t.Status = StatusError
		lost = append(lost, t)
	}
	b.mu.Unlock()

	for _, t := range lost {
		if err := b.store.UpdateStatus(ctx, t.RowID, StatusError); err != nil {
			slog.Error("Failed to persist tunnel error on agent loss", "tunnel_id", t.TunnelID, "error", err)
		}
		b.publish(agentID, t.TunnelID, StatusError)
		slog.Warn("Tunnel errored, agent went inactive", "tunnel_id", t.TunnelID, "agent_id", agentID)
	}
}

// List delegates to the store.
func (b *Broker) List(ctx context.Context, filter ListFilter) ([]Tunnel, error) {
	return b.store.List(ctx, filter)
}

// Get returns the current generation for a tunnel id.
func (b *Broker) Get(ctx context.Context, tunnelID string) (*Tunnel, error) {
	return b.store.GetCurrent(ctx, tunnelID)
}

// LiveCount reports the number of reserved keys, for diagnostics.
func (b *Broker) LiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

func (b *Broker) release(key Key, t *Tunnel) {
	b.mu.Lock()
	if cur, ok := b.live[key]; ok && cur == t {
		delete(b.live, key)
	}
	b.mu.Unlock()
}

// fail marks a reservation errored before its open command ever settled.
func (b *Broker) fail(ctx context.Context, t *Tunnel) {
	b.release(t.Key(), t)
	t.Status = StatusError
	if t.RowID != "" {
		if err := b.store.UpdateStatus(ctx, t.RowID, StatusError); err != nil {
			slog.Error("Failed to persist tunnel error", "tunnel_id", t.TunnelID, "error", err)
		}
	}
	b.publish(t.AgentID, t.TunnelID, StatusError)
}

func (b *Broker) publish(agentID, tunnelID string, status Status) {
	b.bus.Publish(events.Event{
		Type:    events.TypeTunnelStatus,
		AgentID: agentID,
		Message: string(status),
		Payload: map[string]interface{}{"tunnel_id": tunnelID},
	})
}
