package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Create inserts a new provisioning job
func (r *JobRepository) Create(ctx context.Context, job *models.ProvisioningJob) error {
	query := `
		INSERT INTO fleet.provisioning_jobs (
			id, account_id, action, state, attempts, extension_days,
			rotate_credential, exclude_server_ids, failure_reason, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		job.ID, job.AccountID, job.Action, job.State, job.Attempts,
		job.ExtensionDays, job.RotateCredential, job.ExcludeServerIDs,
		job.FailureReason, job.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.ProvisioningJob, error) {
	query := `
		SELECT id, account_id, action, state, attempts, extension_days,
			   rotate_credential, exclude_server_ids, failure_reason,
			   last_error, created_at, updated_at
		FROM fleet.provisioning_jobs
		WHERE id = $1
	`

	job := &models.ProvisioningJob{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.AccountID, &job.Action, &job.State, &job.Attempts,
		&job.ExtensionDays, &job.RotateCredential, &job.ExcludeServerIDs,
		&job.FailureReason, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	return job, nil
}

// Update persists job progress: state, attempts, and failure details
func (r *JobRepository) Update(ctx context.Context, job *models.ProvisioningJob) error {
	query := `
		UPDATE fleet.provisioning_jobs SET
			state = $1,
			attempts = $2,
			exclude_server_ids = $3,
			failure_reason = $4,
			last_error = $5,
			updated_at = now()
		WHERE id = $6
	`

	_, err := r.pool.Exec(ctx, query,
		job.State, job.Attempts, job.ExcludeServerIDs,
		job.FailureReason, job.LastError, job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	return nil
}
