// Package agentclient is the device-side half of the control channel: it
// keeps one WebSocket session to the server alive, executes the commands
// that arrive on it, and reports results and status back.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/isidrovera/printer-management-sub000/internal/hub"
)

const (
	reconnectBase        = 2 * time.Second
	maxReconnectAttempts = 10

	writeWait             = 10 * time.Second
	defaultStatusInterval = 60 * time.Second
)

type Config struct {
	ServerURL      string `mapstructure:"server_url"` // ws://host:port
	Token          string `mapstructure:"token"`
	DeviceType     string `mapstructure:"device_type"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

type Client struct {
	cfg     Config
	tunnels *TunnelManager

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config) *Client {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	return &Client{
		cfg:     cfg,
		tunnels: NewTunnelManager(),
	}
}

// Run connects and serves the session until the context is cancelled.
// Reconnects with exponential backoff, starting at 2s and doubling per
// attempt; after 10 consecutive failures it gives up for good.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.serve(ctx)
		if err == nil {
			// Clean session end resets the backoff clock.
			attempts = 0
			continue
		}

		attempts++
		if attempts >= maxReconnectAttempts {
			slog.Error("Unable to reconnect, giving up", "attempts", attempts)
			return fmt.Errorf("unable to reconnect after %d attempts: %w", attempts, err)
		}

		delay := reconnectBase << (attempts - 1)
		slog.Warn("Connection lost, reconnecting",
			"error", err,
			"attempt", attempts,
			"retry_in", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serve runs one session to completion. A nil return means the session was
// established and later lost; the caller treats that as a fresh start.
func (c *Client) serve(ctx context.Context) error {
	url := c.cfg.ServerURL + "/agents/connect?token=" + c.cfg.Token

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("Connected to control server", "url", c.cfg.ServerURL)
	c.sendStatus()

	done := make(chan struct{})
	go c.statusLoop(ctx, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(done)
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Control channel closed", "error", err)
			return nil
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) statusLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sendStatus()
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	env, structured, err := hub.DecodeEnvelope(data)
	if err != nil || !structured {
		slog.Debug("Ignoring non-command frame")
		return
	}
	if env.Type != hub.FrameCommand {
		return
	}

	var cmd struct {
		Kind string          `json:"kind"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		c.sendResult(env.CorrelationID, false, "malformed command payload")
		return
	}

	slog.Info("Command received", "kind", cmd.Kind, "correlation_id", env.CorrelationID)

	// Commands run off the read loop so a slow SSH handshake cannot stall
	// the session.
	go func() {
		var err error
		switch cmd.Kind {
		case "open_tunnel":
			err = c.openTunnel(cmd.Args)
		case "close_tunnel":
			err = c.closeTunnel(cmd.Args)
		case "install_printer":
			err = c.installPrinter(ctx, cmd.Args)
		default:
			err = fmt.Errorf("unknown command kind %q", cmd.Kind)
		}

		if err != nil {
			slog.Error("Command failed", "kind", cmd.Kind, "error", err)
			c.sendResult(env.CorrelationID, false, err.Error())
			return
		}
		c.sendResult(env.CorrelationID, true, "")
	}()
}

func (c *Client) openTunnel(args json.RawMessage) error {
	var p ForwardParams
	if err := json.Unmarshal(args, &p); err != nil {
		return fmt.Errorf("parse open_tunnel args: %w", err)
	}
	return c.tunnels.Open(p)
}

func (c *Client) closeTunnel(args json.RawMessage) error {
	var p struct {
		TunnelID string `json:"tunnel_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return fmt.Errorf("parse close_tunnel args: %w", err)
	}
	c.tunnels.Close(p.TunnelID)
	return nil
}

func (c *Client) sendResult(correlationID string, ok bool, detail string) {
	status := "ok"
	if !ok {
		status = "error"
	}
	payload, _ := json.Marshal(hub.ResultPayload{Status: status, Detail: detail})
	c.send(hub.Envelope{
		Type:          hub.FrameCommandResult,
		CorrelationID: correlationID,
		Payload:       payload,
	})
}

func (c *Client) sendStatus() {
	hostname, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	payload, _ := json.Marshal(hub.StatusPayload{
		Hostname:   hostname,
		Username:   username,
		DeviceType: c.cfg.DeviceType,
		SystemInfo: map[string]interface{}{
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"go_version": runtime.Version(),
			"tunnels":    c.tunnels.Count(),
		},
	})
	c.send(hub.Envelope{Type: hub.FrameAgentStatus, Payload: payload})
}

func (c *Client) send(env hub.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("Failed to send frame", "type", env.Type, "error", err)
	}
}

// Stop tears down all forwards and the session.
func (c *Client) Stop() {
	c.tunnels.CloseAll()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}
