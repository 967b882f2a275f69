package tunnels

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrTunnelNotFound = errors.New("tunnel not found")
	// ErrKeyTaken surfaces the storage backstop: the partial unique index
	// rejected a second live tunnel for the same key.
	ErrKeyTaken = errors.New("tunnel key already in use")
)

// Service persists tunnel generations. One row per generation; the partial
// unique index on the key columns enforces the at-most-one-live invariant
// at the storage layer as a backstop for the broker.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

const tunnelColumns = `id, tunnel_id, agent_id, remote_host, remote_port, local_port, ssh_host, ssh_port, description, status, created_at, updated_at`

func (s *Service) Create(ctx context.Context, t *Tunnel) error {
	if t.RowID == "" {
		t.RowID = uuid.New().String()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO tunnels (id, tunnel_id, agent_id, remote_host, remote_port, local_port, ssh_host, ssh_port, description, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		t.RowID, t.TunnelID, t.AgentID, t.RemoteHost, t.RemotePort, t.LocalPort,
		nullable(t.SSHHost), nullableInt(t.SSHPort), nullable(t.Description), string(t.Status))

	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrKeyTaken
			case "23503":
				// Agent row vanished between the directory check and the
				// insert; report it the same way as an up-front miss.
				return ErrAgentNotFound
			}
		}
		return fmt.Errorf("failed to create tunnel: %w", err)
	}
	return nil
}

func (s *Service) UpdateStatus(ctx context.Context, rowID string, status Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tunnels SET status = $2, updated_at = now() WHERE id = $1`,
		rowID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update tunnel status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTunnelNotFound
	}
	return nil
}

// GetCurrent returns the latest generation for a tunnel id.
func (s *Service) GetCurrent(ctx context.Context, tunnelID string) (*Tunnel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tunnelColumns+` FROM tunnels WHERE tunnel_id = $1
		 ORDER BY created_at DESC LIMIT 1`, tunnelID)

	t, err := scanTunnel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTunnelNotFound
		}
		return nil, fmt.Errorf("failed to get tunnel: %w", err)
	}
	return t, nil
}

// List returns the current (latest) generation of every tunnel key matching
// the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Tunnel, error) {
	query := `SELECT DISTINCT ON (tunnel_id) ` + tunnelColumns + ` FROM tunnels`
	var conds []string
	var args []interface{}

	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if filter.Query != "" {
		args = append(args, "%"+strings.ToLower(filter.Query)+"%")
		conds = append(conds, fmt.Sprintf("(lower(tunnel_id) LIKE $%d OR lower(coalesce(description, '')) LIKE $%d)", len(args), len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY tunnel_id, created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tunnels: %w", err)
	}
	defer rows.Close()

	var result []Tunnel
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tunnel: %w", err)
		}
		// Status filtering happens after DISTINCT ON so it applies to the
		// current generation, not to any historical row.
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// LoadLive returns every tunnel generation still in a blocking status, used
// to rebuild the broker's key table at startup.
func (s *Service) LoadLive(ctx context.Context) ([]Tunnel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tunnelColumns+` FROM tunnels WHERE status IN ('creating', 'active')`)
	if err != nil {
		return nil, fmt.Errorf("failed to load live tunnels: %w", err)
	}
	defer rows.Close()

	var result []Tunnel
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tunnel: %w", err)
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func scanTunnel(row pgx.Row) (*Tunnel, error) {
	var t Tunnel
	var sshHost, description *string
	var sshPort *int
	var status string

	err := row.Scan(&t.RowID, &t.TunnelID, &t.AgentID, &t.RemoteHost, &t.RemotePort, &t.LocalPort,
		&sshHost, &sshPort, &description, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if sshHost != nil {
		t.SSHHost = *sshHost
	}
	if sshPort != nil {
		t.SSHPort = *sshPort
	}
	if description != nil {
		t.Description = *description
	}
	t.Status = Status(status)
	return &t, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}
