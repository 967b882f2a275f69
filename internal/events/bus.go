package events

import (
	"log/slog"
	"sync"
	"time"
)

// Level classifies a log event. Free-text agent lines are mapped onto these
// by keyword scan in the hub; structured frames carry them explicitly.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Event types published on the bus.
const (
	TypeAgentStatus   = "agent_status"
	TypePrinterStatus = "printer_status"
	TypeCommandStatus = "command_status"
	TypeTunnelStatus  = "tunnel_status"
	TypeLog           = "log"
)

type Event struct {
	Type          string                 `json:"type"`
	AgentID       string                 `json:"agent_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Level         Level                  `json:"level,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Time          time.Time              `json:"time"`
}

const subscriberBuffer = 64

// Bus fans events out to all current subscribers. Publishing never blocks:
// a subscriber that cannot keep up has events dropped on the floor.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a cancel function. The
// channel is closed when cancel is called.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("Event dropped for slow subscriber", "type", ev.Type, "agent_id", ev.AgentID)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
