package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isidrovera/printer-management-sub000/internal/api/http/dto"
	"github.com/isidrovera/printer-management-sub000/internal/tunnels"
)

// mintAgent provisions a fresh agent through the admin endpoint so tests get
// a real persisted agent id.
func mintAgent(t *testing.T, router *gin.Engine, adminKey string) dto.MintTokenResponse {
	t.Helper()
	rr := doJSONWithAPIKey(router, "POST", "/agents/tokens", nil, adminKey)
	require.Equal(t, http.StatusCreated, rr.Code)

	var minted dto.MintTokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &minted))
	return minted
}

func TestTunnelAPI(t *testing.T, router *gin.Engine, jwtSecret, adminKey string) {
	token := operatorToken(t, router, "tunneladmin")
	minted := mintAgent(t, router, adminKey)

	openBody := dto.OpenTunnelRequest{
		AgentID:    minted.AgentID,
		RemoteHost: "10.0.0.5",
		RemotePort: 22,
		LocalPort:  8022,
		SSHHost:    "relay.example.com",
		SSHPort:    22,
		SSHUser:    "tunnel",
	}

	t.Run("open for unknown agent", func(t *testing.T) {
		body := openBody
		body.AgentID = "no-such-agent"
		rr := doJSONWithAuth(router, "POST", "/tunnels", body, token)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("open without live agent", func(t *testing.T) {
		rr := doJSONWithAuth(router, "POST", "/tunnels", openBody, token)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("failed open leaves errored record", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/tunnels?status=error", nil, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListTunnelsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.GreaterOrEqual(t, resp.Count, 1)
		assert.Equal(t, "10.0.0.5:22-8022", resp.Tunnels[0].TunnelID)
		assert.Equal(t, "error", resp.Tunnels[0].Status)
	})

	t.Run("errored key is reusable", func(t *testing.T) {
		rr := doJSONWithAuth(router, "POST", "/tunnels", openBody, token)
		// Still no live agent, but not a conflict: the key was released.
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("close unknown tunnel", func(t *testing.T) {
		rr := doJSONWithAuth(router, "DELETE", "/tunnels/10.9.9.9:22-9999", nil, token)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("requires auth", func(t *testing.T) {
		rr := doJSON(router, "POST", "/tunnels", openBody)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

// TestTunnelKeyBackstop exercises the partial unique index directly: even
// without the broker, the store refuses two live rows for the same key.
func TestTunnelKeyBackstop(t *testing.T, ctx context.Context, router *gin.Engine, adminKey string, store *tunnels.Service) {
	agentX := mintAgent(t, router, adminKey)
	agentY := mintAgent(t, router, adminKey)

	first := &tunnels.Tunnel{
		TunnelID:   "192.168.1.9:443-9443",
		AgentID:    agentX.AgentID,
		RemoteHost: "192.168.1.9",
		RemotePort: 443,
		LocalPort:  9443,
		Status:     tunnels.StatusCreating,
	}
	require.NoError(t, store.Create(ctx, first))

	dup := &tunnels.Tunnel{
		TunnelID:   "192.168.1.9:443-9443",
		AgentID:    agentY.AgentID,
		RemoteHost: "192.168.1.9",
		RemotePort: 443,
		LocalPort:  9443,
		Status:     tunnels.StatusCreating,
	}
	err := store.Create(ctx, dup)
	assert.ErrorIs(t, err, tunnels.ErrKeyTaken)

	// Closing the live generation frees the key for a new one.
	require.NoError(t, store.UpdateStatus(ctx, first.RowID, tunnels.StatusClosed))
	dup.RowID = ""
	require.NoError(t, store.Create(ctx, dup))

	current, err := store.GetCurrent(ctx, "192.168.1.9:443-9443")
	require.NoError(t, err)
	assert.Equal(t, agentY.AgentID, current.AgentID)
}
