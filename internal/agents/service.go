package agents

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrInvalidAgentID = errors.New("invalid agent ID")
	ErrInvalidToken   = errors.New("invalid agent token")
)

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

const agentColumns = `id, token, hostname, username, ip_address, device_type, status, system_info, registered_at, last_seen_at, deleted_at`

// Mint creates a new agent record with a fresh opaque token. The record
// stays inactive until the agent registers with the token.
func (s *Service) Mint(ctx context.Context) (*Agent, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate agent token: %w", err)
	}
	token := "at_" + hex.EncodeToString(b)

	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (id, token, status) VALUES ($1, $2, $3) RETURNING `+agentColumns,
		uuid.New().String(), token, StatusInactive)

	agent, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	slog.Info("Agent token minted", "agent_id", agent.ID)
	return agent, nil
}

// GetByToken looks an agent up by its opaque token. Soft-deleted agents are
// not visible through this path: a deleted agent's token never validates
// again.
func (s *Service) GetByToken(ctx context.Context, token string) (*Agent, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE token = $1 AND deleted_at IS NULL`, token)

	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to get agent by token: %w", err)
	}
	return agent, nil
}

func (s *Service) GetByID(ctx context.Context, agentID string) (*Agent, error) {
	if _, err := uuid.Parse(agentID); err != nil {
		return nil, ErrInvalidAgentID
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND deleted_at IS NULL`, agentID)

	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE deleted_at IS NULL`
	args := []interface{}{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Query != "" {
		args = append(args, "%"+strings.ToLower(filter.Query)+"%")
		query += fmt.Sprintf(" AND (lower(hostname) LIKE $%d OR lower(username) LIKE $%d)", len(args), len(args))
	}
	query += ` ORDER BY registered_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var result []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		result = append(result, *agent)
	}
	return result, rows.Err()
}

// UpdateInfo refreshes the fields an agent reports at registration time.
func (s *Service) UpdateInfo(ctx context.Context, agentID string, info RegisterInfo) error {
	if _, err := uuid.Parse(agentID); err != nil {
		return ErrInvalidAgentID
	}

	deviceType := info.DeviceType
	if !ValidDeviceType(deviceType) {
		deviceType = DeviceTypeOther
	}

	var systemInfo []byte
	if info.SystemInfo != nil {
		systemInfo, _ = json.Marshal(info.SystemInfo)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET hostname = $2, username = $3, ip_address = $4, device_type = $5,
		        system_info = COALESCE($6, system_info), last_seen_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		agentID, info.Hostname, info.Username, info.IPAddress, deviceType, systemInfo)
	if err != nil {
		return fmt.Errorf("failed to update agent info: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *Service) UpdateStatus(ctx context.Context, agentID string, status string) error {
	if _, err := uuid.Parse(agentID); err != nil {
		return ErrInvalidAgentID
	}
	if status != StatusActive && status != StatusInactive {
		return fmt.Errorf("invalid status: %s", status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2 WHERE id = $1 AND deleted_at IS NULL`, agentID, status)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}

	slog.Info("Agent status updated", "agent_id", agentID, "status", status)
	return nil
}

func (s *Service) UpdateLastSeen(ctx context.Context, agentID string, timestamp time.Time) error {
	if _, err := uuid.Parse(agentID); err != nil {
		return ErrInvalidAgentID
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE agents SET last_seen_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		agentID, timestamp); err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

// SoftDelete marks the agent deleted and inactive. The token column is kept
// so the unique constraint still blocks reuse, but the agent can never
// register or connect again.
func (s *Service) SoftDelete(ctx context.Context, agentID string) error {
	if _, err := uuid.Parse(agentID); err != nil {
		return ErrInvalidAgentID
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET deleted_at = now(), status = $2 WHERE id = $1 AND deleted_at IS NULL`,
		agentID, StatusInactive)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}

	slog.Info("Agent deleted", "agent_id", agentID)
	return nil
}

func (s *Service) CreateConnectionLog(ctx context.Context, agentID string, connectedAt time.Time, ipAddress string) (string, error) {
	if _, err := uuid.Parse(agentID); err != nil {
		return "", ErrInvalidAgentID
	}

	logID := uuid.New().String()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO agent_connection_logs (id, agent_id, connected_at, ip_address) VALUES ($1, $2, $3, $4)`,
		logID, agentID, connectedAt, ipAddress); err != nil {
		return "", fmt.Errorf("failed to create connection log: %w", err)
	}
	return logID, nil
}

func (s *Service) CloseConnectionLog(ctx context.Context, logID string, disconnectedAt time.Time, reason string) error {
	if _, err := uuid.Parse(logID); err != nil {
		return fmt.Errorf("invalid log ID: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE agent_connection_logs SET disconnected_at = $2, disconnect_reason = $3 WHERE id = $1`,
		logID, disconnectedAt, reason); err != nil {
		return fmt.Errorf("failed to close connection log: %w", err)
	}
	return nil
}

func (s *Service) ConnectionHistory(ctx context.Context, agentID string, limit, offset int) ([]ConnectionLog, error) {
	if _, err := uuid.Parse(agentID); err != nil {
		return nil, ErrInvalidAgentID
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, connected_at, disconnected_at, ip_address, disconnect_reason
		 FROM agent_connection_logs WHERE agent_id = $1
		 ORDER BY connected_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection history: %w", err)
	}
	defer rows.Close()

	var result []ConnectionLog
	for rows.Next() {
		var l ConnectionLog
		var ip, reason *string
		if err := rows.Scan(&l.ID, &l.AgentID, &l.ConnectedAt, &l.DisconnectedAt, &ip, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan connection log: %w", err)
		}
		if ip != nil {
			l.IPAddress = *ip
		}
		if reason != nil {
			l.DisconnectReason = *reason
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var hostname, username, ip, deviceType *string
	var systemInfo []byte
	var lastSeen *time.Time

	err := row.Scan(&a.ID, &a.Token, &hostname, &username, &ip, &deviceType,
		&a.Status, &systemInfo, &a.RegisteredAt, &lastSeen, &a.DeletedAt)
	if err != nil {
		return nil, err
	}

	if hostname != nil {
		a.Hostname = *hostname
	}
	if username != nil {
		a.Username = *username
	}
	if ip != nil {
		a.IPAddress = *ip
	}
	if deviceType != nil {
		a.DeviceType = *deviceType
	}
	if lastSeen != nil {
		a.LastSeenAt = *lastSeen
	}
	if len(systemInfo) > 0 {
		_ = json.Unmarshal(systemInfo, &a.SystemInfo)
	}
	return &a, nil
}
