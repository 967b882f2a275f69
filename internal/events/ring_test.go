package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryTailOldestFirst(t *testing.T) {
	h := NewHistory(10)
	for i := 0; i < 3; i++ {
		h.Append(Event{AgentID: "agent-1", Message: fmt.Sprintf("m%d", i)})
	}

	tail := h.Tail("agent-1")
	require.Len(t, tail, 3)
	assert.Equal(t, "m0", tail[0].Message)
	assert.Equal(t, "m2", tail[2].Message)
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(5)
	for i := 0; i < 12; i++ {
		h.Append(Event{AgentID: "agent-1", Message: fmt.Sprintf("m%d", i)})
	}

	tail := h.Tail("agent-1")
	require.Len(t, tail, 5)
	assert.Equal(t, "m7", tail[0].Message)
	assert.Equal(t, "m11", tail[4].Message)
}

func TestHistoryPerAgentIsolation(t *testing.T) {
	h := NewHistory(5)
	h.Append(Event{AgentID: "agent-1", Message: "a"})
	h.Append(Event{AgentID: "agent-2", Message: "b"})

	require.Len(t, h.Tail("agent-1"), 1)
	require.Len(t, h.Tail("agent-2"), 1)
	assert.Empty(t, h.Tail("agent-3"))
}

func TestHistoryIgnoresEventsWithoutAgent(t *testing.T) {
	h := NewHistory(5)
	h.Append(Event{Message: "no agent"})
	assert.Empty(t, h.Tail(""))
}

func TestHistoryDrop(t *testing.T) {
	h := NewHistory(5)
	h.Append(Event{AgentID: "agent-1", Message: "a"})
	h.Drop("agent-1")
	assert.Empty(t, h.Tail("agent-1"))
}

func TestHistoryDefaultCap(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < DefaultRingCap+10; i++ {
		h.Append(Event{AgentID: "agent-1", Message: fmt.Sprintf("m%d", i)})
	}
	assert.Len(t, h.Tail("agent-1"), DefaultRingCap)
}
