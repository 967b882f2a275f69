package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/isidrovera/printer-management-sub000/internal/api/http/dto"
	"github.com/isidrovera/printer-management-sub000/internal/events"
)

type EventHandler struct {
	bus     *events.Bus
	history *events.History
}

func NewEventHandler(bus *events.Bus, history *events.History) *EventHandler {
	return &EventHandler{
		bus:     bus,
		history: history,
	}
}

// Stream pushes events to the client over SSE. With ?agent_id= the stream
// is scoped to one agent and opens with a replay of its recent history.
// GET /events
func (h *EventHandler) Stream(c *gin.Context) {
	agentID := c.Query("agent_id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ch, cancel := h.bus.Subscribe()
	defer cancel()

	if agentID != "" {
		for _, ev := range h.history.Tail(agentID) {
			writeSSE(c, ev)
		}
		c.Writer.Flush()
	}

	slog.Debug("Event stream opened", "agent_id", agentID, "subscribers", h.bus.SubscriberCount())

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if agentID != "" && ev.AgentID != agentID {
				return true
			}
			writeSSE(c, ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// AgentLogs returns the retained event tail for one agent, oldest first.
// GET /agents/:id/logs
func (h *EventHandler) AgentLogs(c *gin.Context) {
	agentID := c.Param("id")

	tail := h.history.Tail(agentID)
	resp := dto.AgentLogsResponse{Events: make([]dto.LogEventResponse, 0, len(tail))}
	for _, ev := range tail {
		resp.Events = append(resp.Events, dto.LogEventResponse{
			Type:          ev.Type,
			CorrelationID: ev.CorrelationID,
			Level:         string(ev.Level),
			Message:       ev.Message,
			Payload:       ev.Payload,
			Time:          ev.Time,
		})
	}
	resp.Count = len(resp.Events)

	c.JSON(http.StatusOK, resp)
}

func writeSSE(c *gin.Context, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.SSEvent(ev.Type, string(data))
}
