package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/isidrovera/printer-management-sub000/internal/api/http/dto"
	"github.com/isidrovera/printer-management-sub000/internal/dispatch"
	"github.com/isidrovera/printer-management-sub000/internal/registry"
)

type CommandHandler struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
}

func NewCommandHandler(reg *registry.Registry, dispatcher *dispatch.Dispatcher) *CommandHandler {
	return &CommandHandler{
		registry:   reg,
		dispatcher: dispatcher,
	}
}

func validKind(kind string) bool {
	switch kind {
	case dispatch.KindInstallPrinter, dispatch.KindOpenTunnel, dispatch.KindCloseTunnel:
		return true
	}
	return false
}

// Dispatch queues a command for an agent and returns its correlation id.
// The outcome arrives asynchronously on the event stream; 202 here means
// accepted and delivered, not completed.
// POST /agents/:id/commands
func (h *CommandHandler) Dispatch(c *gin.Context) {
	agentID := c.Param("id")

	var req dto.DispatchCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validKind(req.Kind) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown command kind"})
		return
	}

	if _, _, err := h.registry.Get(c.Request.Context(), agentID); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to resolve agent", "agent_id", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	var timeout time.Duration
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	correlationID, err := h.dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		AgentID: agentID,
		Kind:    req.Kind,
		Payload: req.Payload,
		Timeout: timeout,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrAgentUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent has no live session"})
			return
		}
		slog.Error("Failed to dispatch command", "agent_id", agentID, "kind", req.Kind, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch command"})
		return
	}

	c.JSON(http.StatusAccepted, dto.DispatchCommandResponse{CorrelationID: correlationID})
}
