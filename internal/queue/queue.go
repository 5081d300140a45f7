// Package queue implements the durable dispatch queue: priority-ordered,
// delayable, with retry/backoff and an administrative surface.
//
// Queue items live in Postgres. Claiming uses FOR UPDATE SKIP LOCKED so
// parallel workers never double-claim; priority is advisory ordering
// (high before normal before low among eligible items), while delays
// gate eligibility absolutely.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaymail/dispatch/internal/domain"
)

// Queue is the durable dispatch queue handle.
type Queue struct {
	db     *sql.DB
	policy Policy
	paused atomic.Bool
}

// New creates a queue over the given database using the backoff policy.
func New(db *sql.DB, policy Policy) *Queue {
	if policy.MaxRetries <= 0 {
		policy = DefaultPolicy
	}
	return &Queue{db: db, policy: policy}
}

// Policy returns the queue's retry policy.
func (q *Queue) Policy() Policy { return q.policy }

const itemColumns = `id, account_id, template_id, to_addrs, cc_addrs, bcc_addrs, subject,
	html_body, text_body, attachments, priority, scheduled_at, status, retry_count,
	max_retries, last_error, metadata, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (*domain.QueueItem, error) {
	item := &domain.QueueItem{}
	var templateID uuid.NullUUID
	var textBody, lastError sql.NullString
	var attachments, metadata []byte
	err := row.Scan(
		&item.ID, &item.AccountID, &templateID,
		pq.Array(&item.To), pq.Array(&item.CC), pq.Array(&item.BCC),
		&item.Subject, &item.HTMLBody, &textBody, &attachments,
		&item.Priority, &item.ScheduledAt, &item.Status, &item.RetryCount,
		&item.MaxRetries, &lastError, &metadata, &item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if templateID.Valid {
		item.TemplateID = &templateID.UUID
	}
	item.TextBody = textBody.String
	item.LastError = lastError.String
	decodeJSON(attachments, &item.Attachments)
	decodeJSON(metadata, &item.Metadata)
	return item, nil
}

// Enqueue persists a new pending queue item. A future ScheduledAt
// delays eligibility; otherwise the item is immediately claimable.
func (q *Queue) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Priority == "" {
		item.Priority = domain.PriorityNormal
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.policy.MaxRetries
	}
	now := time.Now().UTC()
	item.Status = domain.QueuePending
	item.CreatedAt, item.UpdatedAt = now, now

	nextAttempt := now
	if item.ScheduledAt != nil && item.ScheduledAt.After(now) {
		nextAttempt = item.ScheduledAt.UTC()
	}

	attachments, err := encodeJSON(item.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	metadata, err := encodeJSON(item.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `INSERT INTO email_queue (id, account_id, template_id, to_addrs, cc_addrs, bcc_addrs,
		subject, html_body, text_body, attachments, priority, priority_rank, scheduled_at,
		next_attempt_at, status, retry_count, max_retries, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 'pending', 0, $15, $16, $17, $18)`

	_, err = q.db.ExecContext(ctx, query, item.ID, item.AccountID, item.TemplateID,
		pq.Array(item.To), pq.Array(item.CC), pq.Array(item.BCC), item.Subject,
		item.HTMLBody, item.TextBody, attachments, item.Priority, item.Priority.Rank(),
		item.ScheduledAt, nextAttempt, item.MaxRetries, metadata, item.CreatedAt, item.UpdatedAt)
	return err
}

// EnqueueBulk persists a batch of items in one transaction using COPY.
func (q *Queue) EnqueueBulk(ctx context.Context, items []*domain.QueueItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	txn, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer txn.Rollback()

	stmt, err := txn.Prepare(pq.CopyIn("email_queue",
		"id", "account_id", "template_id", "to_addrs", "cc_addrs", "bcc_addrs", "subject",
		"html_body", "text_body", "attachments", "priority", "priority_rank", "scheduled_at",
		"next_attempt_at", "status", "retry_count", "max_retries", "metadata",
		"created_at", "updated_at"))
	if err != nil {
		return 0, fmt.Errorf("prepare COPY: %w", err)
	}

	now := time.Now().UTC()
	count := 0
	for _, item := range items {
		if err := item.Validate(); err != nil {
			continue
		}
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		if item.Priority == "" {
			item.Priority = domain.PriorityNormal
		}
		if item.MaxRetries <= 0 {
			item.MaxRetries = q.policy.MaxRetries
		}
		nextAttempt := now
		if item.ScheduledAt != nil && item.ScheduledAt.After(now) {
			nextAttempt = item.ScheduledAt.UTC()
		}
		attachments, err := encodeJSON(item.Attachments)
		if err != nil {
			continue
		}
		metadata, err := encodeJSON(item.Metadata)
		if err != nil {
			continue
		}
		if _, err := stmt.Exec(item.ID, item.AccountID, item.TemplateID, pq.Array(item.To),
			pq.Array(item.CC), pq.Array(item.BCC), item.Subject, item.HTMLBody, item.TextBody,
			attachments, item.Priority, item.Priority.Rank(), item.ScheduledAt, nextAttempt,
			"pending", 0, item.MaxRetries, metadata, now, now); err != nil {
			return count, fmt.Errorf("COPY row: %w", err)
		}
		count++
	}

	if _, err := stmt.Exec(); err != nil {
		return 0, fmt.Errorf("flush COPY: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, err
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// Claim atomically moves up to limit eligible pending or retrying
// items to processing for this worker and returns them. Eligible means
// next_attempt_at has passed; ordering is priority rank then
// eligibility time. Returns nothing while the queue is paused.
func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]*domain.QueueItem, error) {
	if q.paused.Load() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}

	query := `
		UPDATE email_queue
		SET status = 'processing', worker_id = $1, locked_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE status IN ('pending', 'retrying') AND next_attempt_at <= NOW()
			ORDER BY priority_rank ASC, next_attempt_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	rows, err := q.db.QueryContext(ctx, query, workerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		item.Status = domain.QueueProcessing
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkSent completes a processing item.
func (q *Queue) MarkSent(ctx context.Context, id uuid.UUID) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE email_queue SET status = 'sent', worker_id = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item %s is not processing", id)
	}
	return nil
}

// RecordFailure increments the retry counter and either parks the item
// in retrying with backoff or, after the retry budget is spent, marks
// it failed terminally. Returns the resulting status. An item never
// returns to pending once claimed; retrying is not cancellable.
func (q *Queue) RecordFailure(ctx context.Context, item *domain.QueueItem, sendErr string) (domain.QueueStatus, error) {
	attempt := item.RetryCount + 1
	delay := q.policy.Delay(attempt)

	query := `
		UPDATE email_queue
		SET retry_count = retry_count + 1,
			last_error = $2,
			status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'retrying' END,
			next_attempt_at = CASE WHEN retry_count + 1 > max_retries
				THEN next_attempt_at
				ELSE NOW() + ($3 * INTERVAL '1 millisecond') END,
			worker_id = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING status, retry_count`

	var status domain.QueueStatus
	var retryCount int
	err := q.db.QueryRowContext(ctx, query, item.ID, sendErr, delay.Milliseconds()).
		Scan(&status, &retryCount)
	if err != nil {
		return "", err
	}
	item.Status = status
	item.RetryCount = retryCount
	item.LastError = sendErr
	return status, nil
}

// Cancel marks a pending item cancelled. Cancelling a processing,
// retrying or terminal item is a state error; a cancelled item is
// never claimed.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE email_queue SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status domain.QueueStatus
	err = q.db.QueryRowContext(ctx, `SELECT status FROM email_queue WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w (status=%s)", domain.ErrNotCancellable, status)
}

// Get retrieves a queue item by ID.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM email_queue WHERE id = $1`
	return scanItem(q.db.QueryRowContext(ctx, query, id))
}

// ReleaseStuck returns items locked in processing for longer than age
// to retrying so another worker can claim them. Covers workers that
// died mid-claim; the items have been claimed, so pending is off-limits.
func (q *Queue) ReleaseStuck(ctx context.Context, age time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'retrying', worker_id = NULL, locked_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND locked_at < NOW() - ($1 * INTERVAL '1 second')`,
		int64(age.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
