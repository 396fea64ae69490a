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

const accountColumns = `id, user_id, protocol, server_id, username,
	credential_uuid, credential_secret, device_limit, active_devices,
	state, expires_at, pending_renewal_days, cleanup_server_id,
	error_message, created_at, updated_at`

type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// Create inserts a new account record
func (r *AccountRepository) Create(ctx context.Context, acct *models.Account) error {
	query := `
		INSERT INTO fleet.accounts (
			id, user_id, protocol, server_id, username, credential_uuid,
			credential_secret, device_limit, active_devices, state,
			expires_at, pending_renewal_days, cleanup_server_id, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.pool.Exec(ctx, query,
		acct.ID, acct.UserID, acct.Protocol, acct.ServerID, acct.Username,
		acct.CredentialUUID, acct.CredentialSecret, acct.DeviceLimit,
		acct.ActiveDevices, acct.State, acct.ExpiresAt,
		acct.PendingRenewalDays, acct.CleanupServerID, acct.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM fleet.accounts WHERE id = $1`
	return r.scanAccount(r.pool.QueryRow(ctx, query, id))
}

// GetActiveByUser retrieves the user's active account, if any
func (r *AccountRepository) GetActiveByUser(ctx context.Context, userID string) (*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM fleet.accounts
		WHERE user_id = $1 AND state = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanAccount(r.pool.QueryRow(ctx, query, userID))
}

// CountActiveByServer returns the number of active accounts per server id.
// The capacity tracker derives load snapshots from this.
func (r *AccountRepository) CountActiveByServer(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT server_id, COUNT(*)
		FROM fleet.accounts
		WHERE state = 'active' AND server_id IS NOT NULL
		GROUP BY server_id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count active accounts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var serverID string
		var count int
		if err := rows.Scan(&serverID, &count); err != nil {
			return nil, fmt.Errorf("scan account count: %w", err)
		}
		counts[serverID] = count
	}

	return counts, rows.Err()
}

// UpdateState updates only the account state
func (r *AccountRepository) UpdateState(ctx context.Context, id, state string, errorMsg *string) error {
	query := `UPDATE fleet.accounts SET state = $1, error_message = $2, updated_at = now() WHERE id = $3`
	tag, err := r.pool.Exec(ctx, query, state, errorMsg, id)
	if err != nil {
		return fmt.Errorf("update account state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPendingRenewal records extension days from a renewal payment that has
// not been applied yet
func (r *AccountRepository) SetPendingRenewal(ctx context.Context, id string, days int) error {
	query := `UPDATE fleet.accounts SET pending_renewal_days = $1, updated_at = now() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, query, days, id)
	if err != nil {
		return fmt.Errorf("set pending renewal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCleanup records (or clears) a server that still carries a stale config
// entry for the account
func (r *AccountRepository) SetCleanup(ctx context.Context, id string, serverID *string) error {
	query := `UPDATE fleet.accounts SET cleanup_server_id = $1, updated_at = now() WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, serverID, id)
	if err != nil {
		return fmt.Errorf("set cleanup server: %w", err)
	}
	return nil
}

// CommitActivation updates the account assignment and marks the job committed
// in a single transaction. The account is never active without a confirmed
// remote apply, and the apply is never complete without this record update.
func (r *AccountRepository) CommitActivation(ctx context.Context, acct *models.Account, jobID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE fleet.accounts SET
			server_id = $1,
			credential_uuid = $2,
			credential_secret = $3,
			state = $4,
			expires_at = $5,
			pending_renewal_days = 0,
			error_message = NULL,
			updated_at = now()
		WHERE id = $6
	`, acct.ServerID, acct.CredentialUUID, acct.CredentialSecret,
		models.AccountActive, acct.ExpiresAt, acct.ID)
	if err != nil {
		return fmt.Errorf("commit account: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE fleet.provisioning_jobs SET state = $1, updated_at = now() WHERE id = $2
	`, models.JobCommitted, jobID)
	if err != nil {
		return fmt.Errorf("commit job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ListExpired retrieves active accounts past their expiry timestamp
func (r *AccountRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM fleet.accounts
		WHERE state = 'active' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`
	return r.queryAccounts(ctx, query, now, limit)
}

// ListPendingRenewals retrieves active accounts nearing expiry that have a
// recorded renewal payment waiting to be applied
func (r *AccountRepository) ListPendingRenewals(ctx context.Context, before time.Time, limit int) ([]*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM fleet.accounts
		WHERE state = 'active' AND pending_renewal_days > 0 AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`
	return r.queryAccounts(ctx, query, before, limit)
}

// ListOverDeviceLimit retrieves active accounts whose observed device count
// exceeds their limit
func (r *AccountRepository) ListOverDeviceLimit(ctx context.Context, limit int) ([]*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM fleet.accounts
		WHERE state = 'active' AND active_devices > device_limit
		ORDER BY updated_at
		LIMIT $1
	`
	return r.queryAccounts(ctx, query, limit)
}

// ListActiveSample retrieves a bounded sample of active accounts for
// reconciliation, oldest-verified first
func (r *AccountRepository) ListActiveSample(ctx context.Context, limit int) ([]*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM fleet.accounts
		WHERE state = 'active' AND server_id IS NOT NULL
		ORDER BY updated_at
		LIMIT $1
	`
	return r.queryAccounts(ctx, query, limit)
}

// ListPendingCleanup retrieves accounts with a stale config entry left on a
// previous server
func (r *AccountRepository) ListPendingCleanup(ctx context.Context, limit int) ([]*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM fleet.accounts
		WHERE cleanup_server_id IS NOT NULL
		ORDER BY updated_at
		LIMIT $1
	`
	return r.queryAccounts(ctx, query, limit)
}

func (r *AccountRepository) queryAccounts(ctx context.Context, query string, args ...interface{}) ([]*models.Account, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		acct := &models.Account{}
		err := rows.Scan(
			&acct.ID, &acct.UserID, &acct.Protocol, &acct.ServerID, &acct.Username,
			&acct.CredentialUUID, &acct.CredentialSecret, &acct.DeviceLimit,
			&acct.ActiveDevices, &acct.State, &acct.ExpiresAt,
			&acct.PendingRenewalDays, &acct.CleanupServerID,
			&acct.ErrorMessage, &acct.CreatedAt, &acct.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (r *AccountRepository) scanAccount(row pgx.Row) (*models.Account, error) {
	acct := &models.Account{}
	err := row.Scan(
		&acct.ID, &acct.UserID, &acct.Protocol, &acct.ServerID, &acct.Username,
		&acct.CredentialUUID, &acct.CredentialSecret, &acct.DeviceLimit,
		&acct.ActiveDevices, &acct.State, &acct.ExpiresAt,
		&acct.PendingRenewalDays, &acct.CleanupServerID,
		&acct.ErrorMessage, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return acct, nil
}
