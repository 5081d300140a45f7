package store

import (
	"context"

	"github.com/google/uuid"
)

// AccountSummary aggregates delivery outcomes for one account.
type AccountSummary struct {
	AccountID  uuid.UUID `json:"account_id"`
	Sent       int       `json:"sent"`
	Delivered  int       `json:"delivered"`
	Opened     int       `json:"opened"`
	Clicked    int       `json:"clicked"`
	Bounced    int       `json:"bounced"`
	Complained int       `json:"complained"`
	OpenRate   float64   `json:"open_rate"`
	ClickRate  float64   `json:"click_rate"`
}

// AccountAnalytics computes delivery statistics from the logs. Opens
// and clicks are unique-per-message (status-based), not raw counters.
func (s *Store) AccountAnalytics(ctx context.Context, accountID uuid.UUID) (*AccountSummary, error) {
	query := `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE delivered_at IS NOT NULL),
		COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
		COUNT(*) FILTER (WHERE clicked_at IS NOT NULL),
		COUNT(*) FILTER (WHERE status = 'bounced'),
		COUNT(*) FILTER (WHERE status = 'complained')
		FROM delivery_logs WHERE account_id = $1`

	sum := &AccountSummary{AccountID: accountID}
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&sum.Sent, &sum.Delivered, &sum.Opened, &sum.Clicked, &sum.Bounced, &sum.Complained)
	if err != nil {
		return nil, err
	}

	if sum.Sent > 0 {
		sum.OpenRate = float64(sum.Opened) / float64(sum.Sent)
		sum.ClickRate = float64(sum.Clicked) / float64(sum.Sent)
	}
	return sum, nil
}
