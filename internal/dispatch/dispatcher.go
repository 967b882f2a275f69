// Package dispatch correlates operator-issued commands with the outcome an
// agent eventually reports. A command is pending until transmitted, sent
// until a result frame, a weak log-line acknowledgment, an agent loss or its
// deadline resolves it; the terminal state is set exactly once.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isidrovera/printer-management-sub000/internal/events"
	"github.com/isidrovera/printer-management-sub000/internal/hub"
)

const (
	KindInstallPrinter = "install_printer"
	KindOpenTunnel     = "open_tunnel"
	KindCloseTunnel    = "close_tunnel"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
)

var (
	ErrAgentUnavailable = errors.New("agent unavailable")

	// DefaultTimeout applies when a dispatch request does not set one.
	DefaultTimeout = 60 * time.Second

	sweepInterval = time.Second
)

// Sender delivers an encoded frame to an agent, failing synchronously when
// the agent has no live session. Implemented by the session hub.
type Sender interface {
	Send(agentID string, data []byte) error
}

// Result is the terminal outcome of a dispatched command.
type Result struct {
	CorrelationID string
	AgentID       string
	Kind          string
	Status        Status
	Detail        string
}

// Request describes a command to dispatch. OnResult, if set, is invoked
// exactly once with the terminal outcome, never under the dispatcher lock.
type Request struct {
	AgentID  string
	Kind     string
	Payload  json.RawMessage
	Timeout  time.Duration
	OnResult func(Result)
}

type command struct {
	correlationID string
	agentID       string
	kind          string
	status        Status
	detail        string
	createdAt     time.Time
	deadline      time.Time
	onResult      func(Result)
}

type Dispatcher struct {
	sender Sender
	bus    *events.Bus

	mu      sync.Mutex
	pending map[string]*command

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(sender Sender, bus *events.Bus) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		bus:     bus,
		pending: make(map[string]*command),
		stopCh:  make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Dispatch sends the command frame through the hub and returns the
// correlation id. Fails with ErrAgentUnavailable when delivery fails
// synchronously; nothing is recorded in that case.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if req.AgentID == "" {
		return "", fmt.Errorf("agent_id is required")
	}
	if req.Kind == "" {
		return "", fmt.Errorf("command kind is required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	correlationID := uuid.New().String()
	frame, err := hub.EncodeCommand(correlationID, req.Kind, req.Payload)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}

	now := time.Now()
	cmd := &command{
		correlationID: correlationID,
		agentID:       req.AgentID,
		kind:          req.Kind,
		status:        StatusPending,
		createdAt:     now,
		deadline:      now.Add(timeout),
		onResult:      req.OnResult,
	}

	d.mu.Lock()
	d.pending[correlationID] = cmd
	d.mu.Unlock()

	if err := d.sender.Send(req.AgentID, frame); err != nil {
		d.mu.Lock()
		delete(d.pending, correlationID)
		d.mu.Unlock()
		if errors.Is(err, hub.ErrAgentUnavailable) {
			return "", ErrAgentUnavailable
		}
		return "", err
	}

	// A structured result can beat this transition; never override a
	// terminal status.
	d.mu.Lock()
	if cmd.status == StatusPending {
		cmd.status = StatusSent
	}
	d.mu.Unlock()

	slog.Info("Command dispatched",
		"correlation_id", correlationID,
		"agent_id", req.AgentID,
		"kind", req.Kind,
		"deadline", cmd.deadline)

	return correlationID, nil
}

// HandleResult resolves a command from a structured result frame. Unknown
// or already-terminal correlation ids are ignored, so a late duplicate ack
// never produces a second terminal report.
func (d *Dispatcher) HandleResult(agentID, correlationID string, ok bool, detail string) {
	if correlationID == "" {
		return
	}

	d.mu.Lock()
	cmd, exists := d.pending[correlationID]
	if !exists || cmd.agentID != agentID {
		d.mu.Unlock()
		return
	}
	delete(d.pending, correlationID)
	status := StatusAcknowledged
	if !ok {
		status = StatusFailed
	}
	cmd.status = status
	cmd.detail = detail
	d.mu.Unlock()

	d.report(cmd)
}

// HandleLogLevel implements the legacy weak acknowledgment: a
// success-classified free-text line resolves the oldest in-flight command
// for that agent. Used only while no structured signal has arrived.
func (d *Dispatcher) HandleLogLevel(agentID string, level events.Level) {
	if level != events.LevelSuccess {
		return
	}

	d.mu.Lock()
	var oldest *command
	for _, cmd := range d.pending {
		if cmd.agentID != agentID || cmd.status != StatusSent {
			continue
		}
		if oldest == nil || cmd.createdAt.Before(oldest.createdAt) {
			oldest = cmd
		}
	}
	if oldest == nil {
		d.mu.Unlock()
		return
	}
	delete(d.pending, oldest.correlationID)
	oldest.status = StatusAcknowledged
	oldest.detail = "acknowledged by log line"
	d.mu.Unlock()

	slog.Debug("Command weakly acknowledged by log line",
		"correlation_id", oldest.correlationID,
		"agent_id", agentID)

	d.report(oldest)
}

// FailAgent fails every in-flight command for an agent that went inactive.
func (d *Dispatcher) FailAgent(agentID string) {
	d.mu.Lock()
	var failed []*command
	for id, cmd := range d.pending {
		if cmd.agentID != agentID {
			continue
		}
		delete(d.pending, id)
		cmd.status = StatusFailed
		cmd.detail = ErrAgentUnavailable.Error()
		failed = append(failed, cmd)
	}
	d.mu.Unlock()

	for _, cmd := range failed {
		d.report(cmd)
	}
}

// PendingCount reports the number of in-flight commands, optionally scoped
// to one agent. Empty agentID counts everything.
func (d *Dispatcher) PendingCount(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if agentID == "" {
		return len(d.pending)
	}
	n := 0
	for _, cmd := range d.pending {
		if cmd.agentID == agentID {
			n++
		}
	}
	return n
}

func (d *Dispatcher) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep(time.Now())
		}
	}
}

// sweep transitions overdue commands to timed_out. No command stays pending
// forever.
func (d *Dispatcher) sweep(now time.Time) {
	d.mu.Lock()
	var overdue []*command
	for id, cmd := range d.pending {
		if now.Before(cmd.deadline) {
			continue
		}
		delete(d.pending, id)
		cmd.status = StatusTimedOut
		cmd.detail = "deadline exceeded"
		overdue = append(overdue, cmd)
	}
	d.mu.Unlock()

	for _, cmd := range overdue {
		slog.Warn("Command timed out",
			"correlation_id", cmd.correlationID,
			"agent_id", cmd.agentID,
			"kind", cmd.kind)
		d.report(cmd)
	}
}

// report publishes the terminal outcome exactly once. Callers must have
// already removed the command from the pending table, which is what makes
// the once guarantee hold.
func (d *Dispatcher) report(cmd *command) {
	res := Result{
		CorrelationID: cmd.correlationID,
		AgentID:       cmd.agentID,
		Kind:          cmd.kind,
		Status:        cmd.status,
		Detail:        cmd.detail,
	}

	d.bus.Publish(events.Event{
		Type:          events.TypeCommandStatus,
		AgentID:       cmd.agentID,
		CorrelationID: cmd.correlationID,
		Message:       string(cmd.status),
		Payload: map[string]interface{}{
			"kind":   cmd.kind,
			"detail": cmd.detail,
		},
	})

	if cmd.onResult != nil {
		cmd.onResult(res)
	}
}
