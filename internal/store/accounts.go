package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/domain"
)

const accountColumns = `id, user_id, backend, email, display_name, credentials,
	quota_daily, quota_hourly, quota_used, quota_reset_at, status, last_sync_at,
	created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*domain.Account, error) {
	a := &domain.Account{}
	err := row.Scan(
		&a.ID, &a.UserID, &a.Backend, &a.Email, &a.DisplayName, &a.Credentials,
		&a.Quota.Daily, &a.Quota.Hourly, &a.Quota.Used, &a.Quota.ResetAt,
		&a.Status, &a.LastSyncAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAccount inserts a new sending account. Credentials must
// already be encrypted.
func (s *Store) CreateAccount(ctx context.Context, a *domain.Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	if a.Quota.ResetAt.IsZero() {
		a.Quota.ResetAt = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}

	query := `INSERT INTO accounts (id, user_id, backend, email, display_name, credentials,
		quota_daily, quota_hourly, quota_used, quota_reset_at, status, last_sync_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.db.ExecContext(ctx, query, a.ID, a.UserID, a.Backend, a.Email, a.DisplayName,
		a.Credentials, a.Quota.Daily, a.Quota.Hourly, a.Quota.Used, a.Quota.ResetAt,
		a.Status, a.LastSyncAt, a.CreatedAt, a.UpdatedAt)
	return err
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE id = $1`, accountColumns)
	return scanAccount(s.db.QueryRowContext(ctx, query, id))
}

// GetActiveAccount retrieves an account and enforces the active-status
// precondition shared by every send path.
func (s *Store) GetActiveAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.AccountActive {
		return nil, fmt.Errorf("%w (status=%s)", domain.ErrAccountNotActive, a.Status)
	}
	return a, nil
}

// UpdateAccountStatus moves an account to the given status.
func (s *Store) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TouchLastSync records a successful credential verification.
func (s *Store) TouchLastSync(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_sync_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}
