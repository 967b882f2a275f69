package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/isidrovera/printer-management-sub000/internal/agents"
	"github.com/isidrovera/printer-management-sub000/internal/api/http/dto"
	"github.com/isidrovera/printer-management-sub000/internal/registry"
)

type AgentHandler struct {
	registry *registry.Registry
	store    *agents.Service
}

func NewAgentHandler(reg *registry.Registry, store *agents.Service) *AgentHandler {
	return &AgentHandler{
		registry: reg,
		store:    store,
	}
}

// MintToken provisions a new agent slot and returns its enrollment token.
// The token is shown exactly once.
// POST /agents/tokens
func (h *AgentHandler) MintToken(c *gin.Context) {
	agent, err := h.store.Mint(c.Request.Context())
	if err != nil {
		slog.Error("Failed to mint agent token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
		return
	}

	slog.Info("Agent token minted", "agent_id", agent.ID)
	c.JSON(http.StatusCreated, dto.MintTokenResponse{
		AgentID: agent.ID,
		Token:   agent.Token,
	})
}

// Register lets an agent report its identity against a minted token.
// POST /agents/register
func (h *AgentHandler) Register(c *gin.Context) {
	var req dto.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deviceType := req.DeviceType
	if deviceType == "" {
		deviceType = agents.DeviceTypeOther
	}
	if !agents.ValidDeviceType(deviceType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device_type"})
		return
	}

	agent, err := h.registry.Register(c.Request.Context(), req.Token, agents.RegisterInfo{
		Hostname:   req.Hostname,
		Username:   req.Username,
		IPAddress:  c.ClientIP(),
		DeviceType: deviceType,
		SystemInfo: req.SystemInfo,
	})
	if err != nil {
		if errors.Is(err, registry.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		slog.Error("Failed to register agent", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register agent"})
		return
	}

	c.JSON(http.StatusOK, h.toResponse(agent))
}

// List returns all non-deleted agents.
// GET /agents
func (h *AgentHandler) List(c *gin.Context) {
	filter := agents.ListFilter{
		Status: c.Query("status"),
		Query:  c.Query("q"),
	}

	list, err := h.registry.List(c.Request.Context(), filter)
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}

	resp := dto.ListAgentsResponse{
		Agents: make([]dto.AgentResponse, 0, len(list)),
		Count:  len(list),
	}
	for i := range list {
		resp.Agents = append(resp.Agents, *h.toResponse(&list[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// Get returns one agent by id.
// GET /agents/:id
func (h *AgentHandler) Get(c *gin.Context) {
	agent, live, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to get agent", "agent_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return
	}

	resp := h.toResponse(agent)
	resp.Connected = live
	c.JSON(http.StatusOK, resp)
}

// Delete removes an agent for good. The agent's token stops validating and
// its session is torn down; a deleted agent can never come back.
// DELETE /agents/:id
func (h *AgentHandler) Delete(c *gin.Context) {
	agentID := c.Param("id")

	if err := h.registry.Delete(c.Request.Context(), agentID); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to delete agent", "agent_id", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete agent"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "agent deleted"})
}

// ConnectionHistory returns an agent's session log, newest first.
// GET /agents/:id/connections
func (h *AgentHandler) ConnectionHistory(c *gin.Context) {
	agentID := c.Param("id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	logs, err := h.store.ConnectionHistory(c.Request.Context(), agentID, limit, offset)
	if err != nil {
		if errors.Is(err, agents.ErrInvalidAgentID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to fetch connection history", "agent_id", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch connection history"})
		return
	}

	resp := make([]dto.ConnectionLogResponse, 0, len(logs))
	for _, l := range logs {
		resp = append(resp, dto.ConnectionLogResponse{
			ID:               l.ID,
			ConnectedAt:      l.ConnectedAt,
			DisconnectedAt:   l.DisconnectedAt,
			IPAddress:        l.IPAddress,
			DisconnectReason: l.DisconnectReason,
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": resp, "count": len(resp)})
}

func (h *AgentHandler) toResponse(a *agents.Agent) *dto.AgentResponse {
	return &dto.AgentResponse{
		ID:           a.ID,
		Hostname:     a.Hostname,
		Username:     a.Username,
		IPAddress:    a.IPAddress,
		DeviceType:   a.DeviceType,
		Status:       a.Status,
		SystemInfo:   a.SystemInfo,
		RegisteredAt: a.RegisteredAt,
		LastSeenAt:   a.LastSeenAt,
		Connected:    h.registry.IsLive(a.ID),
	}
}
