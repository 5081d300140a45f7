package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaymail/dispatch/internal/domain"
)

// CreateTemplate inserts a reusable message template.
func (s *Store) CreateTemplate(ctx context.Context, t *domain.Template) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	query := `INSERT INTO templates (id, account_id, name, subject, html_body, text_body, variables, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query, t.ID, t.AccountID, t.Name, t.Subject,
		t.HTMLBody, t.TextBody, pq.Array(t.Variables), t.Active, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	query := `SELECT id, account_id, name, subject, html_body, text_body, variables, active, created_at, updated_at
		FROM templates WHERE id = $1`

	t := &domain.Template{}
	var textBody sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.AccountID, &t.Name, &t.Subject, &t.HTMLBody, &textBody,
		pq.Array(&t.Variables), &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.TextBody = textBody.String
	return t, nil
}
