package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isidrovera/printer-management-sub000/internal/agents"
	"github.com/isidrovera/printer-management-sub000/internal/api/http/dto"
	"github.com/isidrovera/printer-management-sub000/internal/dispatch"
	"github.com/isidrovera/printer-management-sub000/internal/events"
	"github.com/isidrovera/printer-management-sub000/internal/registry"
	"github.com/isidrovera/printer-management-sub000/internal/tunnels"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memTunnelStore struct {
	mu     sync.Mutex
	rows   []*tunnels.Tunnel
	nextID int
}

func (m *memTunnelStore) Create(ctx context.Context, t *tunnels.Tunnel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.RowID = fmt.Sprintf("row-%d", m.nextID)
	row := *t
	m.rows = append(m.rows, &row)
	return nil
}

func (m *memTunnelStore) UpdateStatus(ctx context.Context, rowID string, status tunnels.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.RowID == rowID {
			row.Status = status
			return nil
		}
	}
	return tunnels.ErrTunnelNotFound
}

func (m *memTunnelStore) GetCurrent(ctx context.Context, tunnelID string) (*tunnels.Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].TunnelID == tunnelID {
			row := *m.rows[i]
			return &row, nil
		}
	}
	return nil, tunnels.ErrTunnelNotFound
}

func (m *memTunnelStore) List(ctx context.Context, filter tunnels.ListFilter) ([]tunnels.Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tunnels.Tunnel, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, *row)
	}
	return out, nil
}

func (m *memTunnelStore) LoadLive(ctx context.Context) ([]tunnels.Tunnel, error) {
	return nil, nil
}

type memCommander struct {
	err error
}

func (m *memCommander) Dispatch(ctx context.Context, req dispatch.Request) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "corr-1", nil
}

// memDirectory knows only the agents it was given.
type memDirectory struct {
	known map[string]bool
}

func (m *memDirectory) Get(ctx context.Context, agentID string) (*agents.Agent, bool, error) {
	if !m.known[agentID] {
		return nil, false, registry.ErrAgentNotFound
	}
	return &agents.Agent{ID: agentID}, true, nil
}

func setupTunnelRouter(commanderErr error) *gin.Engine {
	directory := &memDirectory{known: map[string]bool{"agent-1": true}}
	broker := tunnels.NewBroker(&memTunnelStore{}, &memCommander{err: commanderErr}, directory, events.NewBus())
	h := NewTunnelHandler(broker)
	r := gin.New()
	r.POST("/tunnels", h.Open)
	r.GET("/tunnels", h.List)
	r.GET("/tunnels/:id", h.Get)
	r.DELETE("/tunnels/:id", h.Close)
	return r
}

func openTunnelBody() []byte {
	body, _ := json.Marshal(dto.OpenTunnelRequest{
		AgentID:    "agent-1",
		RemoteHost: "10.0.0.5",
		RemotePort: 22,
		LocalPort:  8022,
		SSHHost:    "relay.example.com",
		SSHPort:    22,
		SSHUser:    "tunnel",
	})
	return body
}

func TestOpenTunnel(t *testing.T) {
	r := setupTunnelRouter(nil)

	req, _ := http.NewRequest("POST", "/tunnels", bytes.NewBuffer(openTunnelBody()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp dto.TunnelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "10.0.0.5:22-8022", resp.TunnelID)
	assert.Equal(t, "creating", resp.Status)
}

func TestOpenTunnelConflict(t *testing.T) {
	r := setupTunnelRouter(nil)

	req, _ := http.NewRequest("POST", "/tunnels", bytes.NewBuffer(openTunnelBody()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req, _ = http.NewRequest("POST", "/tunnels", bytes.NewBuffer(openTunnelBody()))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)

	var resp dto.TunnelConflictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "10.0.0.5:22-8022", resp.ExistingTunnelID)
}

func TestOpenTunnelAgentUnavailable(t *testing.T) {
	r := setupTunnelRouter(dispatch.ErrAgentUnavailable)

	req, _ := http.NewRequest("POST", "/tunnels", bytes.NewBuffer(openTunnelBody()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOpenTunnelUnknownAgent(t *testing.T) {
	r := setupTunnelRouter(nil)

	body, _ := json.Marshal(dto.OpenTunnelRequest{
		AgentID:    "agent-gone",
		RemoteHost: "10.0.0.5",
		RemotePort: 22,
		LocalPort:  8022,
	})
	req, _ := http.NewRequest("POST", "/tunnels", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenTunnelInvalidBody(t *testing.T) {
	r := setupTunnelRouter(nil)

	req, _ := http.NewRequest("POST", "/tunnels", bytes.NewBuffer([]byte(`{"agent_id":"agent-1"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCloseTunnelIdempotent(t *testing.T) {
	r := setupTunnelRouter(nil)

	req, _ := http.NewRequest("POST", "/tunnels", bytes.NewBuffer(openTunnelBody()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	for i := 0; i < 2; i++ {
		req, _ = http.NewRequest("DELETE", "/tunnels/10.0.0.5:22-8022", nil)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCloseUnknownTunnel(t *testing.T) {
	r := setupTunnelRouter(nil)

	req, _ := http.NewRequest("DELETE", "/tunnels/10.9.9.9:22-9999", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTunnels(t *testing.T) {
	r := setupTunnelRouter(nil)

	req, _ := http.NewRequest("POST", "/tunnels", bytes.NewBuffer(openTunnelBody()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req, _ = http.NewRequest("GET", "/tunnels", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListTunnelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}
