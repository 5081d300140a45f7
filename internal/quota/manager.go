// Package quota enforces per-account send budgets. Daily counters live
// in Postgres next to the account row; short-window throttling uses
// Redis so bursts are bounded across all workers.
package quota

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/domain"
)

// Manager tracks and enforces daily send quotas.
type Manager struct {
	db *sql.DB
}

// NewManager creates a quota manager over the accounts table.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Check reports whether the account has daily budget left. It does not
// reserve anything; Consume is the authoritative gate.
func (m *Manager) Check(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var used, daily int
	err := m.db.QueryRowContext(ctx,
		`SELECT quota_used, quota_daily FROM accounts WHERE id = $1`, accountID).
		Scan(&used, &daily)
	if err == sql.ErrNoRows {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return used < daily, nil
}

// Consume takes one unit of daily budget. The increment and the ceiling
// check are a single statement, so concurrent workers cannot push the
// counter past the limit. Returns ErrQuotaExceeded when the budget is
// already spent.
func (m *Manager) Consume(ctx context.Context, accountID uuid.UUID) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE accounts
		SET quota_used = quota_used + 1, updated_at = NOW()
		WHERE id = $1 AND quota_used < quota_daily`, accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := m.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).
			Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrQuotaExceeded
	}
	return nil
}

// Remaining returns the unused portion of the daily budget.
func (m *Manager) Remaining(ctx context.Context, accountID uuid.UUID) (int, error) {
	var used, daily int
	err := m.db.QueryRowContext(ctx,
		`SELECT quota_used, quota_daily FROM accounts WHERE id = $1`, accountID).
		Scan(&used, &daily)
	if err == sql.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if remaining := daily - used; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// ResetDue zeroes counters for every account whose reset time has
// passed and advances the reset time by 24 hours. Called periodically
// by the worker's maintenance loop. Returns accounts reset.
func (m *Manager) ResetDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE accounts
		SET quota_used = 0,
			quota_reset_at = quota_reset_at + INTERVAL '24 hours',
			updated_at = NOW()
		WHERE quota_reset_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
