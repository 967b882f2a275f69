package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isidrovera/printer-management-sub000/internal/api/http/dto"
	"github.com/isidrovera/printer-management-sub000/internal/events"
)

func setupEventsRouter(history *events.History) *gin.Engine {
	h := NewEventHandler(events.NewBus(), history)
	router := gin.New()
	router.GET("/agents/:id/logs", h.AgentLogs)
	return router
}

func TestAgentLogsEmpty(t *testing.T) {
	router := setupEventsRouter(events.NewHistory(events.DefaultRingCap))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/agents/agent-1/logs", nil)
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp dto.AgentLogsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
	assert.Empty(t, resp.Events)
}

func TestAgentLogsReturnsTailOldestFirst(t *testing.T) {
	history := events.NewHistory(events.DefaultRingCap)
	history.Append(events.Event{Type: events.TypeLog, AgentID: "agent-1", Level: events.LevelInfo, Message: "first"})
	history.Append(events.Event{Type: events.TypeLog, AgentID: "agent-1", Level: events.LevelError, Message: "second"})
	history.Append(events.Event{Type: events.TypeLog, AgentID: "agent-2", Level: events.LevelInfo, Message: "other"})

	router := setupEventsRouter(history)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/agents/agent-1/logs", nil)
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp dto.AgentLogsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "first", resp.Events[0].Message)
	assert.Equal(t, "second", resp.Events[1].Message)
	assert.Equal(t, "error", resp.Events[1].Level)
}
