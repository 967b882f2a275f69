package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the agent.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the connection is
	// considered dead.
	pongWait = 60 * time.Second

	// Ping period, must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 256 * 1024

	sendChannelBuffer = 100
)

// Session is the live transport binding for one agent at a given moment.
// At most one Session per agent is routable; a superseding reconnect closes
// the previous one.
type Session struct {
	AgentID     string
	RemoteAddr  string
	ConnectedAt time.Time

	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	logID     string // connection log row, closed on disconnect
	epoch     int64  // registry activation this session belongs to
	closeOnce sync.Once
	done      chan struct{}
}

// close shuts the transport down exactly once. Safe to call from any
// goroutine; the read pump's exit triggers hub cleanup.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// trySend queues a frame without blocking. A full buffer counts as
// undeliverable: the hub never queues silently behind a stuck transport.
func (s *Session) trySend(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) readPump() {
	defer func() {
		s.hub.disconnect(s, "read closed")
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Session read error", "agent_id", s.AgentID, "error", err)
			}
			return
		}
		s.hub.handleFrame(s, data)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Session write error", "agent_id", s.AgentID, "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
