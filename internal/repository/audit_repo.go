package repository

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Create inserts a new audit event
func (r *AuditRepository) Create(ctx context.Context, ev *models.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	query := `
		INSERT INTO fleet.audit_events (id, account_id, server_id, action, outcome, message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		ev.ID, ev.AccountID, ev.ServerID, ev.Action, ev.Outcome, ev.Message,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	return nil
}

// GetByAccountID retrieves events for an account, newest first
func (r *AuditRepository) GetByAccountID(ctx context.Context, accountID string, limit int) ([]*models.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, account_id, server_id, action, outcome, message, created_at
		FROM fleet.audit_events
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		ev := &models.AuditEvent{}
		err := rows.Scan(
			&ev.ID, &ev.AccountID, &ev.ServerID, &ev.Action,
			&ev.Outcome, &ev.Message, &ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// Record is a best-effort helper: the audit stream must never block or fail
// the operation it describes, so errors are logged and swallowed
func (r *AuditRepository) Record(ctx context.Context, ev *models.AuditEvent) {
	if err := r.Create(ctx, ev); err != nil {
		log.Printf("[audit] Failed to record event (action=%s outcome=%s): %v", ev.Action, ev.Outcome, err)
	}
}
