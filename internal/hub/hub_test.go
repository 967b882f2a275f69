package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isidrovera/printer-management-sub000/internal/agents"
	"github.com/isidrovera/printer-management-sub000/internal/events"
)

type fakeLiveness struct {
	mu       sync.Mutex
	epochs   map[string]int64
	live     map[string]bool
	inactive []string
}

func newFakeLiveness() *fakeLiveness {
	return &fakeLiveness{
		epochs: make(map[string]int64),
		live:   make(map[string]bool),
	}
}

func (f *fakeLiveness) MarkActive(ctx context.Context, agentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epochs[agentID]++
	f.live[agentID] = true
	return f.epochs[agentID], nil
}

func (f *fakeLiveness) MarkInactive(ctx context.Context, agentID string, epoch int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if epoch != f.epochs[agentID] || !f.live[agentID] {
		return nil
	}
	f.live[agentID] = false
	f.inactive = append(f.inactive, agentID)
	return nil
}

func (f *fakeLiveness) TouchLastSeen(ctx context.Context, agentID string) {}

func (f *fakeLiveness) isLive(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[agentID]
}

func (f *fakeLiveness) inactiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inactive)
}

type fakeAgentStore struct {
	mu      sync.Mutex
	nextLog int
	reasons map[string]string
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{reasons: make(map[string]string)}
}

func (f *fakeAgentStore) CreateConnectionLog(ctx context.Context, agentID string, connectedAt time.Time, ipAddress string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLog++
	return "log-" + agentID, nil
}

func (f *fakeAgentStore) CloseConnectionLog(ctx context.Context, logID string, disconnectedAt time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons[logID] = reason
	return nil
}

func (f *fakeAgentStore) UpdateInfo(ctx context.Context, agentID string, info agents.RegisterInfo) error {
	return nil
}

// newHubServer wires a hub behind a plain upgrade endpoint so tests can dial
// real WebSocket connections at it.
func newHubServer(t *testing.T) (*Hub, *fakeLiveness, *httptest.Server) {
	t.Helper()
	liveness := newFakeLiveness()
	h := New(liveness, newFakeAgentStore(), events.NewBus(), events.NewHistory(events.DefaultRingCap))

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _ = h.Attach(context.Background(), &agents.Agent{ID: "agent-1"}, conn, r.RemoteAddr)
	}))
	t.Cleanup(srv.Close)
	return h, liveness, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestAttachSupersedesPriorSession(t *testing.T) {
	h, _, srv := newHubServer(t)

	first := dialHub(t, srv)
	defer first.Close()
	require.Eventually(t, func() bool { return h.IsConnected("agent-1") },
		2*time.Second, 10*time.Millisecond)

	second := dialHub(t, srv)
	defer second.Close()

	// The first connection is closed by the hub, not by us.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// Frames now route to the second connection only.
	require.Eventually(t, func() bool {
		return h.Send("agent-1", []byte(`routed`)) == nil
	}, 2*time.Second, 10*time.Millisecond)

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "routed", string(data))
}

func TestStaleCloseDoesNotMarkInactive(t *testing.T) {
	h, liveness, srv := newHubServer(t)

	first := dialHub(t, srv)
	defer first.Close()
	require.Eventually(t, func() bool { return h.IsConnected("agent-1") },
		2*time.Second, 10*time.Millisecond)

	second := dialHub(t, srv)
	defer second.Close()

	// Wait for the superseded session's teardown to finish.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = first.ReadMessage()
	time.Sleep(100 * time.Millisecond)

	assert.True(t, liveness.isLive("agent-1"))
	assert.Equal(t, 0, liveness.inactiveCount())
	assert.True(t, h.IsConnected("agent-1"))
}

func TestDisconnectMarksInactive(t *testing.T) {
	h, liveness, srv := newHubServer(t)

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return h.IsConnected("agent-1") },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return !liveness.isLive("agent-1") },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, liveness.inactiveCount())
	assert.False(t, h.IsConnected("agent-1"))
	assert.ErrorIs(t, h.Send("agent-1", []byte(`x`)), ErrAgentUnavailable)
}

func TestSendWithoutSession(t *testing.T) {
	h := New(newFakeLiveness(), newFakeAgentStore(), events.NewBus(), events.NewHistory(events.DefaultRingCap))
	assert.ErrorIs(t, h.Send("agent-1", []byte(`x`)), ErrAgentUnavailable)
}
