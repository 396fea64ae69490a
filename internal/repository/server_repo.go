package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

var ErrNotFound = errors.New("not found")

type ServerRepository struct {
	pool *pgxpool.Pool
}

func NewServerRepository(pool *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{pool: pool}
}

// Create inserts a new fleet server
func (r *ServerRepository) Create(ctx context.Context, srv *models.Server) error {
	query := `
		INSERT INTO fleet.servers (
			id, name, address, ssh_user, ssh_port, protocols, capacity, health
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		srv.ID, srv.Name, srv.Address, srv.SSHUser, srv.SSHPort,
		srv.Protocols, srv.Capacity, srv.Health,
	)
	if err != nil {
		return fmt.Errorf("insert server: %w", err)
	}

	return nil
}

// GetByID retrieves a server by ID
func (r *ServerRepository) GetByID(ctx context.Context, id string) (*models.Server, error) {
	query := `
		SELECT id, name, address, ssh_user, ssh_port, protocols, capacity,
			   health, last_probed_at, created_at, updated_at
		FROM fleet.servers
		WHERE id = $1
	`

	return r.scanServer(r.pool.QueryRow(ctx, query, id))
}

// List retrieves all servers ordered by id
func (r *ServerRepository) List(ctx context.Context) ([]*models.Server, error) {
	query := `
		SELECT id, name, address, ssh_user, ssh_port, protocols, capacity,
			   health, last_probed_at, created_at, updated_at
		FROM fleet.servers
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	return r.scanServers(rows)
}

// ListHealthyByProtocol retrieves healthy servers supporting the protocol,
// ordered by id for deterministic placement tie-breaking
func (r *ServerRepository) ListHealthyByProtocol(ctx context.Context, protocol string) ([]*models.Server, error) {
	query := `
		SELECT id, name, address, ssh_user, ssh_port, protocols, capacity,
			   health, last_probed_at, created_at, updated_at
		FROM fleet.servers
		WHERE health = 'healthy' AND $1 = ANY(protocols)
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, protocol)
	if err != nil {
		return nil, fmt.Errorf("query eligible servers: %w", err)
	}
	defer rows.Close()

	return r.scanServers(rows)
}

// UpdateCapacity sets a server's declared capacity
func (r *ServerRepository) UpdateCapacity(ctx context.Context, id string, capacity int) error {
	query := `UPDATE fleet.servers SET capacity = $1, updated_at = now() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, query, capacity, id)
	if err != nil {
		return fmt.Errorf("update capacity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHealth sets a server's health state and probe timestamp
func (r *ServerRepository) UpdateHealth(ctx context.Context, id, health string, probedAt time.Time) error {
	query := `UPDATE fleet.servers SET health = $1, last_probed_at = $2, updated_at = now() WHERE id = $3`
	tag, err := r.pool.Exec(ctx, query, health, probedAt, id)
	if err != nil {
		return fmt.Errorf("update health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a server from the fleet
func (r *ServerRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM fleet.servers WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ServerRepository) scanServer(row pgx.Row) (*models.Server, error) {
	srv := &models.Server{}
	err := row.Scan(
		&srv.ID, &srv.Name, &srv.Address, &srv.SSHUser, &srv.SSHPort,
		&srv.Protocols, &srv.Capacity, &srv.Health, &srv.LastProbedAt,
		&srv.CreatedAt, &srv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return srv, nil
}

func (r *ServerRepository) scanServers(rows pgx.Rows) ([]*models.Server, error) {
	var servers []*models.Server
	for rows.Next() {
		srv := &models.Server{}
		err := rows.Scan(
			&srv.ID, &srv.Name, &srv.Address, &srv.SSHUser, &srv.SSHPort,
			&srv.Protocols, &srv.Capacity, &srv.Health, &srv.LastProbedAt,
			&srv.CreatedAt, &srv.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan server row: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}
