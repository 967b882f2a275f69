// Package hub owns the live agent channel: one WebSocket session per agent,
// inbound frame routing, and outbound delivery. Reconnect policy lives on
// the agent side; the hub only has to stay correct under arbitrarily fast
// repeated reconnects.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/isidrovera/printer-management-sub000/internal/agents"
	"github.com/isidrovera/printer-management-sub000/internal/events"
)

var (
	ErrAgentUnavailable = errors.New("agent unavailable")
	errMissingType      = errors.New("envelope missing type field")
)

// Router receives correlated command outcomes and classified log levels
// decoded from agent frames. Implemented by the command dispatcher; set
// after construction to break the hub/dispatcher cycle.
type Router interface {
	HandleResult(agentID, correlationID string, ok bool, detail string)
	HandleLogLevel(agentID string, level events.Level)
}

// Liveness is the registry surface the hub drives. *registry.Registry
// implements it.
type Liveness interface {
	MarkActive(ctx context.Context, agentID string) (int64, error)
	MarkInactive(ctx context.Context, agentID string, epoch int64) error
	TouchLastSeen(ctx context.Context, agentID string)
}

// AgentStore persists connection logs and agent-reported info.
// *agents.Service implements it.
type AgentStore interface {
	CreateConnectionLog(ctx context.Context, agentID string, connectedAt time.Time, ipAddress string) (string, error)
	CloseConnectionLog(ctx context.Context, logID string, disconnectedAt time.Time, reason string) error
	UpdateInfo(ctx context.Context, agentID string, info agents.RegisterInfo) error
}

type Hub struct {
	registry Liveness
	store    AgentStore
	bus      *events.Bus
	history  *events.History

	mu       sync.RWMutex
	sessions map[string]*Session
	router   Router
}

func New(reg Liveness, store AgentStore, bus *events.Bus, history *events.History) *Hub {
	return &Hub{
		registry: reg,
		store:    store,
		bus:      bus,
		history:  history,
		sessions: make(map[string]*Session),
	}
}

// SetRouter wires the command dispatcher in after construction.
func (h *Hub) SetRouter(r Router) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.router = r
}

// Attach binds an authenticated agent to a fresh WebSocket connection. Any
// prior session for the agent is closed first; a superseding reconnect is
// expected and normal, not an error.
func (h *Hub) Attach(ctx context.Context, agent *agents.Agent, conn *websocket.Conn, remoteAddr string) (*Session, error) {
	s := &Session{
		AgentID:     agent.ID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, sendChannelBuffer),
		hub:         h,
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	if prev, ok := h.sessions[agent.ID]; ok {
		slog.Warn("Agent already connected, replacing session", "agent_id", agent.ID)
		delete(h.sessions, agent.ID)
		prev.close()
	}
	h.mu.Unlock()

	// The epoch is taken before the session becomes routable, so a stale
	// disconnect racing this attach can never undo the new activation.
	epoch, err := h.registry.MarkActive(ctx, agent.ID)
	if err != nil {
		s.close()
		return nil, err
	}
	s.epoch = epoch

	h.mu.Lock()
	if prev, ok := h.sessions[agent.ID]; ok {
		// A concurrent attach slipped in between; newest wins.
		prev.close()
	}
	h.sessions[agent.ID] = s
	total := len(h.sessions)
	h.mu.Unlock()

	if logID, err := h.store.CreateConnectionLog(ctx, agent.ID, s.ConnectedAt, remoteAddr); err == nil {
		s.logID = logID
	} else {
		slog.Debug("Failed to create connection log", "agent_id", agent.ID, "error", err)
	}

	slog.Info("Agent session established",
		"agent_id", agent.ID,
		"remote_addr", remoteAddr,
		"total_sessions", total)

	go s.readPump()
	go s.writePump()

	return s, nil
}

// disconnect removes a session when its transport dies. Only the current
// session for the agent marks it inactive; a stale close arriving after a
// fast reconnect is a no-op.
func (h *Hub) disconnect(s *Session, reason string) {
	h.mu.Lock()
	current := h.sessions[s.AgentID] == s
	if current {
		delete(h.sessions, s.AgentID)
	}
	h.mu.Unlock()

	if !current {
		slog.Debug("Stale session close ignored", "agent_id", s.AgentID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.logID != "" {
		if err := h.store.CloseConnectionLog(ctx, s.logID, time.Now(), reason); err != nil {
			slog.Debug("Failed to close connection log", "agent_id", s.AgentID, "error", err)
		}
	}

	// The log write above can take seconds; a reconnect may have landed in
	// the meantime. The cascade belongs to whoever is current now, so check
	// again, and the epoch guards the residual window inside the registry.
	h.mu.RLock()
	_, reconnected := h.sessions[s.AgentID]
	h.mu.RUnlock()
	if reconnected {
		slog.Debug("Agent reconnected during disconnect, skipping inactive", "agent_id", s.AgentID)
		return
	}

	if err := h.registry.MarkInactive(ctx, s.AgentID, s.epoch); err != nil {
		slog.Error("Failed to mark agent inactive", "agent_id", s.AgentID, "error", err)
	}

	slog.Info("Agent session closed", "agent_id", s.AgentID, "reason", reason)
}

// Send delivers a frame to the agent's current session. Fails synchronously
// when no session exists or the session cannot accept the frame; the hub
// never queues behind a dead transport.
func (h *Hub) Send(agentID string, data []byte) error {
	h.mu.RLock()
	s, ok := h.sessions[agentID]
	h.mu.RUnlock()

	if !ok {
		return ErrAgentUnavailable
	}
	if !s.trySend(data) {
		return ErrAgentUnavailable
	}
	return nil
}

// IsConnected reports whether the agent has a routable session.
func (h *Hub) IsConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[agentID]
	return ok
}

// CloseAgent force-closes the agent's session, if any. Used on operator
// delete.
func (h *Hub) CloseAgent(agentID string) {
	h.mu.RLock()
	s := h.sessions[agentID]
	h.mu.RUnlock()
	if s != nil {
		s.close()
	}
}

// Shutdown closes every live session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (h *Hub) handleFrame(s *Session, data []byte) {
	h.registry.TouchLastSeen(context.Background(), s.AgentID)

	env, structured, err := DecodeEnvelope(data)
	if err != nil {
		// A malformed structured frame is logged and dropped; one bad
		// frame must not tear down the session.
		slog.Warn("Malformed frame dropped", "agent_id", s.AgentID, "error", err)
		return
	}
	if !structured {
		h.handleLegacyLine(s, string(data))
		return
	}

	switch env.Type {
	case FrameCommandResult:
		var res ResultPayload
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			slog.Warn("Malformed command result dropped", "agent_id", s.AgentID, "error", err)
			return
		}
		if r := h.currentRouter(); r != nil {
			r.HandleResult(s.AgentID, env.CorrelationID, res.Status == "ok", res.Detail)
		}

	case FrameLog:
		var lp LogPayload
		if err := json.Unmarshal(env.Payload, &lp); err != nil {
			slog.Warn("Malformed log frame dropped", "agent_id", s.AgentID, "error", err)
			return
		}
		level := events.Level(lp.Level)
		switch level {
		case events.LevelInfo, events.LevelWarning, events.LevelError, events.LevelSuccess:
		default:
			level = events.LevelInfo
		}
		h.publishLog(s.AgentID, env.CorrelationID, level, lp.Message)

	case FrameError:
		var lp LogPayload
		_ = json.Unmarshal(env.Payload, &lp)
		h.publishLog(s.AgentID, env.CorrelationID, events.LevelError, lp.Message)
		if env.CorrelationID != "" {
			if r := h.currentRouter(); r != nil {
				r.HandleResult(s.AgentID, env.CorrelationID, false, lp.Message)
			}
		}

	case FrameAgentStatus:
		var sp StatusPayload
		if err := json.Unmarshal(env.Payload, &sp); err != nil {
			slog.Warn("Malformed status frame dropped", "agent_id", s.AgentID, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.store.UpdateInfo(ctx, s.AgentID, agents.RegisterInfo{
			Hostname:   sp.Hostname,
			Username:   sp.Username,
			IPAddress:  s.RemoteAddr,
			DeviceType: sp.DeviceType,
			SystemInfo: sp.SystemInfo,
		}); err != nil {
			slog.Debug("Failed to update agent info", "agent_id", s.AgentID, "error", err)
		}
		cancel()
		h.bus.Publish(events.Event{
			Type:    events.TypeAgentStatus,
			AgentID: s.AgentID,
			Message: agents.StatusActive,
		})

	case FramePrinterStatus:
		var payload map[string]interface{}
		_ = json.Unmarshal(env.Payload, &payload)
		h.bus.Publish(events.Event{
			Type:    events.TypePrinterStatus,
			AgentID: s.AgentID,
			Payload: payload,
		})

	default:
		slog.Warn("Unknown frame type", "agent_id", s.AgentID, "type", env.Type)
	}
}

// handleLegacyLine classifies a free-text line and feeds the weak-ack path.
func (h *Hub) handleLegacyLine(s *Session, line string) {
	level := ClassifyLogLine(line)
	h.publishLog(s.AgentID, "", level, line)
	if r := h.currentRouter(); r != nil {
		r.HandleLogLevel(s.AgentID, level)
	}
}

func (h *Hub) publishLog(agentID, correlationID string, level events.Level, message string) {
	ev := events.Event{
		Type:          events.TypeLog,
		AgentID:       agentID,
		CorrelationID: correlationID,
		Level:         level,
		Message:       message,
		Time:          time.Now(),
	}
	h.history.Append(ev)
	h.bus.Publish(ev)
}

func (h *Hub) currentRouter() Router {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.router
}
