package tests

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isidrovera/printer-management-sub000/internal/api/http/dto"
)

func TestAgentLifecycle(t *testing.T, router *gin.Engine, jwtSecret, adminKey string) {
	token := operatorToken(t, router, "agentadmin")

	t.Run("mint requires admin key", func(t *testing.T) {
		rr := doJSON(router, "POST", "/agents/tokens", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	var minted dto.MintTokenResponse
	t.Run("mint token", func(t *testing.T) {
		rr := doJSONWithAPIKey(router, "POST", "/agents/tokens", nil, adminKey)
		require.Equal(t, http.StatusCreated, rr.Code)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &minted))
		assert.NotEmpty(t, minted.AgentID)
		assert.True(t, strings.HasPrefix(minted.Token, "at_"))
	})

	t.Run("register with bad token", func(t *testing.T) {
		body := dto.RegisterAgentRequest{Token: "at_bogus", Hostname: "front-desk"}
		rr := doJSON(router, "POST", "/agents/register", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("register", func(t *testing.T) {
		body := dto.RegisterAgentRequest{
			Token:      minted.Token,
			Hostname:   "front-desk",
			Username:   "reception",
			DeviceType: "desktop",
		}
		rr := doJSON(router, "POST", "/agents/register", body)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.AgentResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, minted.AgentID, resp.ID)
		assert.Equal(t, "front-desk", resp.Hostname)
		assert.False(t, resp.Connected)
	})

	t.Run("re-register refreshes info", func(t *testing.T) {
		body := dto.RegisterAgentRequest{
			Token:      minted.Token,
			Hostname:   "front-desk-2",
			DeviceType: "desktop",
		}
		rr := doJSON(router, "POST", "/agents/register", body)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.AgentResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "front-desk-2", resp.Hostname)
	})

	t.Run("list requires auth", func(t *testing.T) {
		rr := doJSON(router, "GET", "/agents", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("list", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/agents", nil, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListAgentsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.GreaterOrEqual(t, resp.Count, 1)
	})

	t.Run("get", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/agents/"+minted.AgentID, nil, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.AgentResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, minted.AgentID, resp.ID)
	})

	t.Run("connection history empty", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/agents/"+minted.AgentID+"/connections", nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("logs empty", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/agents/"+minted.AgentID+"/logs", nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("command to offline agent", func(t *testing.T) {
		body := dto.DispatchCommandRequest{Kind: "install_printer"}
		rr := doJSONWithAuth(router, "POST", "/agents/"+minted.AgentID+"/commands", body, token)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("delete is terminal", func(t *testing.T) {
		rr := doJSONWithAuth(router, "DELETE", "/agents/"+minted.AgentID, nil, token)
		require.Equal(t, http.StatusOK, rr.Code)

		// Deleted agents are gone from reads.
		rr = doJSONWithAuth(router, "GET", "/agents/"+minted.AgentID, nil, token)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		// The token never validates again.
		body := dto.RegisterAgentRequest{Token: minted.Token, Hostname: "zombie"}
		rr = doJSON(router, "POST", "/agents/register", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		// Repeating the delete is harmless.
		rr = doJSONWithAuth(router, "DELETE", "/agents/"+minted.AgentID, nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}
