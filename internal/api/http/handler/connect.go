package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/isidrovera/printer-management-sub000/internal/hub"
	"github.com/isidrovera/printer-management-sub000/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents connect from arbitrary networks; token auth is the boundary.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type ConnectHandler struct {
	registry *registry.Registry
	hub      *hub.Hub
}

func NewConnectHandler(reg *registry.Registry, h *hub.Hub) *ConnectHandler {
	return &ConnectHandler{
		registry: reg,
		hub:      h,
	}
}

// Connect upgrades an agent to its persistent WebSocket session. The token
// is validated before the upgrade so a bad credential gets a proper 401
// instead of a dropped socket.
// GET /agents/connect
func (h *ConnectHandler) Connect(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	agent, err := h.registry.Authenticate(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		slog.Error("Failed to authenticate agent", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		slog.Warn("WebSocket upgrade failed", "agent_id", agent.ID, "error", err)
		return
	}

	if _, err := h.hub.Attach(c.Request.Context(), agent, conn, c.ClientIP()); err != nil {
		slog.Warn("Failed to attach agent session", "agent_id", agent.ID, "error", err)
		conn.Close()
		return
	}
}

// bearerToken pulls the agent token from the Authorization header, or from
// the token query parameter for clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("token")
}
