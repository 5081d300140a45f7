package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaymail/dispatch/internal/domain"
)

const logColumns = `id, queue_id, account_id, backend, message_id, to_addrs, cc_addrs,
	bcc_addrs, subject, status, sent_at, delivered_at, opened_at, clicked_at, bounced_at,
	opens, clicks, bounce_reason, ip_address, user_agent, created_at, updated_at`

func scanDeliveryLog(row interface{ Scan(...any) error }) (*domain.DeliveryLog, error) {
	l := &domain.DeliveryLog{}
	// queue_id is NULL once retention has removed the queue row.
	var queueID uuid.NullUUID
	var bounceReason, ip, ua sql.NullString
	err := row.Scan(
		&l.ID, &queueID, &l.AccountID, &l.Backend, &l.MessageID,
		pq.Array(&l.To), pq.Array(&l.CC), pq.Array(&l.BCC),
		&l.Subject, &l.Status, &l.SentAt, &l.DeliveredAt, &l.OpenedAt,
		&l.ClickedAt, &l.BouncedAt, &l.Opens, &l.Clicks,
		&bounceReason, &ip, &ua, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.QueueID = queueID.UUID
	l.BounceReason = bounceReason.String
	l.IPAddress = ip.String
	l.UserAgent = ua.String
	return l, nil
}

// CreateDeliveryLog inserts the one-time send record for a dispatched
// queue item. All later mutation goes through the Apply* methods.
func (s *Store) CreateDeliveryLog(ctx context.Context, l *domain.DeliveryLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	if l.Status == "" {
		l.Status = domain.LogSent
	}
	if l.SentAt.IsZero() {
		l.SentAt = now
	}

	query := `INSERT INTO delivery_logs (id, queue_id, account_id, backend, message_id,
		to_addrs, cc_addrs, bcc_addrs, subject, status, sent_at, opens, clicks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 0, $12, $13)`

	_, err := s.db.ExecContext(ctx, query, l.ID, l.QueueID, l.AccountID, l.Backend,
		l.MessageID, pq.Array(l.To), pq.Array(l.CC), pq.Array(l.BCC), l.Subject,
		l.Status, l.SentAt, l.CreatedAt, l.UpdatedAt)
	return err
}

// GetDeliveryLogByMessageID looks up a log by the provider-assigned
// message ID. Returns domain.ErrNotFound when no log exists yet.
func (s *Store) GetDeliveryLogByMessageID(ctx context.Context, messageID string) (*domain.DeliveryLog, error) {
	query := `SELECT ` + logColumns + ` FROM delivery_logs WHERE message_id = $1`
	return scanDeliveryLog(s.db.QueryRowContext(ctx, query, messageID))
}

// GetDeliveryLogByQueueID looks up the log for a queue item.
func (s *Store) GetDeliveryLogByQueueID(ctx context.Context, queueID uuid.UUID) (*domain.DeliveryLog, error) {
	query := `SELECT ` + logColumns + ` FROM delivery_logs WHERE queue_id = $1`
	return scanDeliveryLog(s.db.QueryRowContext(ctx, query, queueID))
}

// The Apply* methods below implement the reconciler merge rules as
// single guarded UPDATE statements, so concurrent webhooks for the
// same log cannot interleave a read-modify-write. Each returns the
// number of rows touched (0 means the guard rejected the transition).

// ApplyDelivered sets delivered status unless the log is terminal.
// Repeat deliveries overwrite delivered_at harmlessly.
func (s *Store) ApplyDelivered(ctx context.Context, messageID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs
		SET status = 'delivered', delivered_at = $2, updated_at = NOW()
		WHERE message_id = $1 AND status NOT IN ('bounced', 'complained')`,
		messageID, at.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ApplyOpened upgrades sent/delivered to opened (never downgrading
// clicked, never thawing a terminal status) and counts every
// occurrence, terminal or not. Client metadata is captured on first
// sight.
func (s *Store) ApplyOpened(ctx context.Context, messageID string, at time.Time, ip, userAgent string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs
		SET status = CASE WHEN status IN ('sent', 'delivered') THEN 'opened' ELSE status END,
			opened_at = COALESCE(opened_at, $2),
			opens = opens + 1,
			ip_address = COALESCE(NULLIF(ip_address, ''), $3),
			user_agent = COALESCE(NULLIF(user_agent, ''), $4),
			updated_at = NOW()
		WHERE message_id = $1`,
		messageID, at.UTC(), ip, userAgent)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ApplyClicked sets clicked status on non-terminal logs and counts
// every occurrence, terminal or not.
func (s *Store) ApplyClicked(ctx context.Context, messageID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs
		SET status = CASE WHEN status IN ('bounced', 'complained') THEN status ELSE 'clicked' END,
			clicked_at = COALESCE(clicked_at, $2),
			clicks = clicks + 1,
			updated_at = NOW()
		WHERE message_id = $1`,
		messageID, at.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ApplyBounced moves the log to its terminal bounced state.
func (s *Store) ApplyBounced(ctx context.Context, messageID string, at time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs
		SET status = 'bounced', bounced_at = $2, bounce_reason = $3, updated_at = NOW()
		WHERE message_id = $1 AND status NOT IN ('bounced', 'complained')`,
		messageID, at.UTC(), reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ApplyComplained moves the log to its terminal complained state.
func (s *Store) ApplyComplained(ctx context.Context, messageID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs
		SET status = 'complained', updated_at = NOW()
		WHERE message_id = $1 AND status NOT IN ('bounced', 'complained')`,
		messageID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
