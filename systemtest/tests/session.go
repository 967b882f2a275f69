package tests

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isidrovera/printer-management-sub000/internal/api/http/dto"
)

// TestAgentSession drives a real WebSocket through the whole stack: connect,
// command delivery, supersede on reconnect, and the inactive transition on
// disconnect.
func TestAgentSession(t *testing.T, router *gin.Engine, jwtSecret, adminKey string) {
	token := operatorToken(t, router, "sessionadmin")
	minted := mintAgent(t, router, adminKey)

	reg := dto.RegisterAgentRequest{Token: minted.Token, Hostname: "ws-host", DeviceType: "desktop"}
	rr := doJSON(router, "POST", "/agents/register", reg)
	require.Equal(t, http.StatusOK, rr.Code)

	srv := httptest.NewServer(router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/agents/connect?token=" + minted.Token

	t.Run("connect with bad token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(
			"ws"+strings.TrimPrefix(srv.URL, "http")+"/agents/connect?token=at_bogus", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	t.Run("agent shows connected", func(t *testing.T) {
		require.Eventually(t, func() bool {
			rr := doJSONWithAuth(router, "GET", "/agents/"+minted.AgentID, nil, token)
			if rr.Code != http.StatusOK {
				return false
			}
			var resp dto.AgentResponse
			if json.Unmarshal(rr.Body.Bytes(), &resp) != nil {
				return false
			}
			return resp.Connected
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("command reaches the session", func(t *testing.T) {
		body := dto.DispatchCommandRequest{Kind: "install_printer"}
		rr := doJSONWithAuth(router, "POST", "/agents/"+minted.AgentID+"/commands", body, token)
		require.Equal(t, http.StatusAccepted, rr.Code)

		var dispatched dto.DispatchCommandResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dispatched))
		require.NotEmpty(t, dispatched.CorrelationID)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var frame struct {
			Type          string `json:"type"`
			CorrelationID string `json:"correlation_id"`
		}
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, "command", frame.Type)
		assert.Equal(t, dispatched.CorrelationID, frame.CorrelationID)

		result := `{"type":"command_result","correlation_id":"` + dispatched.CorrelationID + `","payload":{"status":"ok"}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(result)))
	})

	t.Run("reconnect supersedes and agent stays connected", func(t *testing.T) {
		second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer second.Close()

		// The hub closes the first connection.
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err)

		// The stale close of the first session must not flip the agent
		// inactive while the second session is live.
		time.Sleep(200 * time.Millisecond)
		rr := doJSONWithAuth(router, "GET", "/agents/"+minted.AgentID, nil, token)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp dto.AgentResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Connected)

		require.NoError(t, second.Close())
	})

	t.Run("disconnect marks inactive", func(t *testing.T) {
		require.Eventually(t, func() bool {
			rr := doJSONWithAuth(router, "GET", "/agents/"+minted.AgentID, nil, token)
			if rr.Code != http.StatusOK {
				return false
			}
			var resp dto.AgentResponse
			if json.Unmarshal(rr.Body.Bytes(), &resp) != nil {
				return false
			}
			return !resp.Connected && resp.Status == "inactive"
		}, 5*time.Second, 50*time.Millisecond)
	})
}
