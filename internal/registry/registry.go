// Package registry is the single source of truth for which agents exist and
// whether they are reachable right now. Persistence of the agent record is
// delegated to the agents service; the registry exclusively owns the
// in-memory liveness state and the terminal deleted set.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/isidrovera/printer-management-sub000/internal/agents"
	"github.com/isidrovera/printer-management-sub000/internal/events"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrInvalidToken  = errors.New("invalid token")
	ErrAgentDeleted  = errors.New("agent deleted")
)

// InactiveFunc observes an agent's transition to inactive. The tunnel broker
// and the command dispatcher both hook in here instead of polling.
type InactiveFunc func(agentID string)

type Registry struct {
	store *agents.Service
	bus   *events.Bus

	mu         sync.RWMutex
	live       map[string]bool
	epochs     map[string]int64
	deleted    map[string]struct{}
	onInactive []InactiveFunc
}

func New(store *agents.Service, bus *events.Bus) *Registry {
	return &Registry{
		store:   store,
		bus:     bus,
		live:    make(map[string]bool),
		epochs:  make(map[string]int64),
		deleted: make(map[string]struct{}),
	}
}

// OnInactive registers an observer for inactive transitions. Must be called
// during wiring, before any session traffic.
func (r *Registry) OnInactive(fn InactiveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInactive = append(r.onInactive, fn)
}

// Authenticate resolves an opaque agent token to its record. Deleted agents
// fail with ErrInvalidToken: deletion is terminal and a deleted agent's
// credentials never validate again.
func (r *Registry) Authenticate(ctx context.Context, token string) (*agents.Agent, error) {
	agent, err := r.store.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, agents.ErrInvalidToken) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("authenticate agent: %w", err)
	}

	r.mu.RLock()
	_, gone := r.deleted[agent.ID]
	r.mu.RUnlock()
	if gone {
		return nil, ErrInvalidToken
	}
	return agent, nil
}

// Register validates the token and refreshes the agent's reported fields.
// Called on the registration endpoint and on every reconnect.
func (r *Registry) Register(ctx context.Context, token string, info agents.RegisterInfo) (*agents.Agent, error) {
	agent, err := r.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := r.store.UpdateInfo(ctx, agent.ID, info); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}

	slog.Info("Agent registered",
		"agent_id", agent.ID,
		"hostname", info.Hostname,
		"device_type", info.DeviceType)

	return r.store.GetByID(ctx, agent.ID)
}

// MarkActive records the agent as live and returns the session epoch for
// this activation. A delete that raced ahead wins: the tombstone check under
// the same lock guarantees a deleted agent is never resurrected. The epoch
// advances on every activation, so a stale MarkInactive from a superseded
// session can be told apart from the real thing.
func (r *Registry) MarkActive(ctx context.Context, agentID string) (int64, error) {
	r.mu.Lock()
	if _, gone := r.deleted[agentID]; gone {
		r.mu.Unlock()
		return 0, ErrAgentDeleted
	}
	r.live[agentID] = true
	r.epochs[agentID]++
	epoch := r.epochs[agentID]
	r.mu.Unlock()

	if err := r.store.UpdateStatus(ctx, agentID, agents.StatusActive); err != nil {
		return 0, err
	}

	r.bus.Publish(events.Event{
		Type:    events.TypeAgentStatus,
		AgentID: agentID,
		Message: agents.StatusActive,
	})
	return epoch, nil
}

// MarkInactive records the agent as unreachable and notifies observers.
// Idempotent: marking an already-inactive agent is a no-op. The caller
// passes the epoch its MarkActive returned; if a newer activation has
// happened since, the call is stale and nothing fires.
func (r *Registry) MarkInactive(ctx context.Context, agentID string, epoch int64) error {
	r.mu.Lock()
	if epoch != r.epochs[agentID] {
		r.mu.Unlock()
		return nil
	}
	wasLive := r.live[agentID]
	delete(r.live, agentID)
	observers := make([]InactiveFunc, len(r.onInactive))
	copy(observers, r.onInactive)
	r.mu.Unlock()

	if !wasLive {
		return nil
	}

	if err := r.store.UpdateStatus(ctx, agentID, agents.StatusInactive); err != nil && !errors.Is(err, agents.ErrAgentNotFound) {
		slog.Error("Failed to persist inactive status", "agent_id", agentID, "error", err)
	}

	// Observers run outside the lock: they take their own locks and may
	// publish events.
	for _, fn := range observers {
		fn(agentID)
	}

	r.bus.Publish(events.Event{
		Type:    events.TypeAgentStatus,
		AgentID: agentID,
		Message: agents.StatusInactive,
	})
	return nil
}

// IsLive reports whether the agent currently has a routable session.
func (r *Registry) IsLive(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[agentID]
}

func (r *Registry) Get(ctx context.Context, agentID string) (*agents.Agent, bool, error) {
	r.mu.RLock()
	if _, gone := r.deleted[agentID]; gone {
		r.mu.RUnlock()
		return nil, false, ErrAgentNotFound
	}
	live := r.live[agentID]
	r.mu.RUnlock()

	agent, err := r.store.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) || errors.Is(err, agents.ErrInvalidAgentID) {
			return nil, false, ErrAgentNotFound
		}
		return nil, false, err
	}
	return agent, live, nil
}

func (r *Registry) List(ctx context.Context, filter agents.ListFilter) ([]agents.Agent, error) {
	return r.store.List(ctx, filter)
}

// Delete is terminal and monotonic: the tombstone is set before touching the
// store, so a concurrent Register or MarkActive cannot resurrect the agent.
func (r *Registry) Delete(ctx context.Context, agentID string) error {
	r.mu.Lock()
	if _, gone := r.deleted[agentID]; gone {
		r.mu.Unlock()
		return nil
	}
	r.deleted[agentID] = struct{}{}
	wasLive := r.live[agentID]
	delete(r.live, agentID)
	observers := make([]InactiveFunc, len(r.onInactive))
	copy(observers, r.onInactive)
	r.mu.Unlock()

	if err := r.store.SoftDelete(ctx, agentID); err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) || errors.Is(err, agents.ErrInvalidAgentID) {
			return ErrAgentNotFound
		}
		return err
	}

	if wasLive {
		for _, fn := range observers {
			fn(agentID)
		}
	}

	r.bus.Publish(events.Event{
		Type:    events.TypeAgentStatus,
		AgentID: agentID,
		Message: "deleted",
		Time:    time.Now(),
	})
	return nil
}

// IsDeleted reports whether the agent has been terminally deleted.
func (r *Registry) IsDeleted(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, gone := r.deleted[agentID]
	return gone
}

func (r *Registry) TouchLastSeen(ctx context.Context, agentID string) {
	if err := r.store.UpdateLastSeen(ctx, agentID, time.Now()); err != nil {
		slog.Debug("Failed to update last seen", "agent_id", agentID, "error", err)
	}
}
