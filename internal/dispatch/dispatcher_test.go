package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isidrovera/printer-management-sub000/internal/events"
	"github.com/isidrovera/printer-management-sub000/internal/hub"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (f *fakeSender) Send(agentID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeSender) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type resultCollector struct {
	mu      sync.Mutex
	results []Result
}

func (c *resultCollector) collect(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
}

func (c *resultCollector) all() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}

func newTestDispatcher(t *testing.T, sender Sender) *Dispatcher {
	t.Helper()
	d := New(sender, events.NewBus())
	t.Cleanup(d.Stop)
	return d
}

func TestDispatchDeliversFrame(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)

	id, err := d.Dispatch(context.Background(), Request{
		AgentID: "agent-1",
		Kind:    KindInstallPrinter,
		Payload: json.RawMessage(`{"name":"front-desk"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, sender.sent())
	assert.Equal(t, 1, d.PendingCount("agent-1"))

	env, structured, err := hub.DecodeEnvelope(sender.frames[0])
	require.NoError(t, err)
	require.True(t, structured)
	assert.Equal(t, hub.FrameCommand, env.Type)
	assert.Equal(t, id, env.CorrelationID)
}

func TestDispatchAgentUnavailable(t *testing.T) {
	sender := &fakeSender{err: hub.ErrAgentUnavailable}
	d := newTestDispatcher(t, sender)

	_, err := d.Dispatch(context.Background(), Request{AgentID: "agent-1", Kind: KindOpenTunnel})
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.Equal(t, 0, d.PendingCount(""))
}

func TestHandleResultResolvesCommand(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)
	collector := &resultCollector{}

	id, err := d.Dispatch(context.Background(), Request{
		AgentID:  "agent-1",
		Kind:     KindInstallPrinter,
		OnResult: collector.collect,
	})
	require.NoError(t, err)

	d.HandleResult("agent-1", id, true, "installed")

	results := collector.all()
	require.Len(t, results, 1)
	assert.Equal(t, StatusAcknowledged, results[0].Status)
	assert.Equal(t, "installed", results[0].Detail)
	assert.Equal(t, 0, d.PendingCount("agent-1"))
}

func TestHandleResultFailure(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)
	collector := &resultCollector{}

	id, err := d.Dispatch(context.Background(), Request{
		AgentID:  "agent-1",
		Kind:     KindOpenTunnel,
		OnResult: collector.collect,
	})
	require.NoError(t, err)

	d.HandleResult("agent-1", id, false, "ssh unreachable")

	results := collector.all()
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, "ssh unreachable", results[0].Detail)
}

func TestDuplicateResultReportedOnce(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)
	collector := &resultCollector{}

	id, err := d.Dispatch(context.Background(), Request{
		AgentID:  "agent-1",
		Kind:     KindInstallPrinter,
		OnResult: collector.collect,
	})
	require.NoError(t, err)

	d.HandleResult("agent-1", id, true, "")
	d.HandleResult("agent-1", id, true, "")
	d.HandleResult("agent-1", id, false, "late duplicate")

	assert.Len(t, collector.all(), 1)
}

func TestHandleResultWrongAgentIgnored(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)
	collector := &resultCollector{}

	id, err := d.Dispatch(context.Background(), Request{
		AgentID:  "agent-1",
		Kind:     KindInstallPrinter,
		OnResult: collector.collect,
	})
	require.NoError(t, err)

	d.HandleResult("agent-2", id, true, "")

	assert.Empty(t, collector.all())
	assert.Equal(t, 1, d.PendingCount("agent-1"))
}

func TestWeakAckResolvesOldestSent(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)
	first := &resultCollector{}
	second := &resultCollector{}

	_, err := d.Dispatch(context.Background(), Request{
		AgentID:  "agent-1",
		Kind:     KindInstallPrinter,
		OnResult: first.collect,
	})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)

	_, err = d.Dispatch(context.Background(), Request{
		AgentID:  "agent-1",
		Kind:     KindInstallPrinter,
		OnResult: second.collect,
	})
	require.NoError(t, err)

	d.HandleLogLevel("agent-1", events.LevelSuccess)

	require.Len(t, first.all(), 1)
	assert.Equal(t, StatusAcknowledged, first.all()[0].Status)
	assert.Empty(t, second.all())
	assert.Equal(t, 1, d.PendingCount("agent-1"))
}

func TestWeakAckIgnoresNonSuccess(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)

	_, err := d.Dispatch(context.Background(), Request{AgentID: "agent-1", Kind: KindInstallPrinter})
	require.NoError(t, err)

	d.HandleLogLevel("agent-1", events.LevelInfo)
	d.HandleLogLevel("agent-1", events.LevelError)
	d.HandleLogLevel("agent-2", events.LevelSuccess)

	assert.Equal(t, 1, d.PendingCount("agent-1"))
}

func TestSweepTimesOutOverdueCommands(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)
	collector := &resultCollector{}

	_, err := d.Dispatch(context.Background(), Request{
		AgentID:  "agent-1",
		Kind:     KindOpenTunnel,
		Timeout:  10 * time.Millisecond,
		OnResult: collector.collect,
	})
	require.NoError(t, err)

	d.sweep(time.Now().Add(time.Second))

	results := collector.all()
	require.Len(t, results, 1)
	assert.Equal(t, StatusTimedOut, results[0].Status)
	assert.Equal(t, 0, d.PendingCount(""))
}

func TestSweepLeavesCommandsWithinDeadline(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)

	_, err := d.Dispatch(context.Background(), Request{
		AgentID: "agent-1",
		Kind:    KindOpenTunnel,
		Timeout: time.Hour,
	})
	require.NoError(t, err)

	d.sweep(time.Now())

	assert.Equal(t, 1, d.PendingCount("agent-1"))
}

func TestFailAgentFailsAllInFlight(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)
	collector := &resultCollector{}

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), Request{
			AgentID:  "agent-1",
			Kind:     KindInstallPrinter,
			OnResult: collector.collect,
		})
		require.NoError(t, err)
	}
	_, err := d.Dispatch(context.Background(), Request{AgentID: "agent-2", Kind: KindInstallPrinter})
	require.NoError(t, err)

	d.FailAgent("agent-1")

	results := collector.all()
	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, StatusFailed, res.Status)
	}
	assert.Equal(t, 0, d.PendingCount("agent-1"))
	assert.Equal(t, 1, d.PendingCount("agent-2"))
}
