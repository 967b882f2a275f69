package events

import (
	"sync"
)

// DefaultRingCap bounds the per-agent log buffer kept for late subscribers.
const DefaultRingCap = 50

// History keeps a bounded ring of recent log events per agent so a UI that
// subscribes after the fact can backfill. Oldest entries are evicted first.
type History struct {
	mu    sync.RWMutex
	rings map[string]*ring
	cap   int
}

type ring struct {
	entries []Event
	start   int
	count   int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultRingCap
	}
	return &History{
		rings: make(map[string]*ring),
		cap:   capacity,
	}
}

func (h *History) Append(ev Event) {
	if ev.AgentID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rings[ev.AgentID]
	if !ok {
		r = &ring{entries: make([]Event, h.cap)}
		h.rings[ev.AgentID] = r
	}

	idx := (r.start + r.count) % h.cap
	r.entries[idx] = ev
	if r.count < h.cap {
		r.count++
	} else {
		r.start = (r.start + 1) % h.cap
	}
}

// Tail returns the buffered events for an agent, oldest first.
func (h *History) Tail(agentID string) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rings[agentID]
	if !ok {
		return nil
	}

	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(r.start+i)%h.cap])
	}
	return out
}

// Drop discards the buffer for an agent, used when the agent is deleted.
func (h *History) Drop(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rings, agentID)
}
