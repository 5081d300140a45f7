package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/domain"
)

// AppendWebhookRecord writes the append-only audit row for one
// normalized event. Records are never updated or deleted.
func (s *Store) AppendWebhookRecord(ctx context.Context, r *domain.WebhookRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = now
	}

	query := `INSERT INTO webhook_records (id, delivery_log_id, backend, event_type, payload, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query, r.ID, r.DeliveryLogID, r.Backend,
		r.EventType, []byte(r.Payload), r.ProcessedAt, r.CreatedAt)
	return err
}

// ListWebhookRecords returns the audit trail for one delivery log in
// arrival order.
func (s *Store) ListWebhookRecords(ctx context.Context, deliveryLogID uuid.UUID) ([]*domain.WebhookRecord, error) {
	query := `SELECT id, delivery_log_id, backend, event_type, payload, processed_at, created_at
		FROM webhook_records WHERE delivery_log_id = $1 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, deliveryLogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.WebhookRecord
	for rows.Next() {
		r := &domain.WebhookRecord{}
		var payload []byte
		if err := rows.Scan(&r.ID, &r.DeliveryLogID, &r.Backend, &r.EventType,
			&payload, &r.ProcessedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		records = append(records, r)
	}
	return records, rows.Err()
}
