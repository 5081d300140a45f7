package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymail/dispatch/internal/domain"
)

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, DefaultPolicy), mock
}

func validItem() *domain.QueueItem {
	return &domain.QueueItem{
		AccountID: uuid.New(),
		To:        []string{"alice@example.com"},
		Subject:   "Hello",
		HTMLBody:  "<p>Hi</p>",
	}
}

func TestEnqueue(t *testing.T) {
	q, mock := newTestQueue(t)

	mock.ExpectExec(`INSERT INTO email_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	item := validItem()
	require.NoError(t, q.Enqueue(context.Background(), item))
	assert.NotEqual(t, uuid.Nil, item.ID)
	assert.Equal(t, domain.QueuePending, item.Status)
	assert.Equal(t, domain.PriorityNormal, item.Priority)
	assert.Equal(t, DefaultPolicy.MaxRetries, item.MaxRetries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRejectsInvalidItem(t *testing.T) {
	q, _ := newTestQueue(t)

	err := q.Enqueue(context.Background(), &domain.QueueItem{AccountID: uuid.New(), HTMLBody: "<p>x</p>"})
	assert.ErrorIs(t, err, domain.ErrNoRecipients)

	err = q.Enqueue(context.Background(), &domain.QueueItem{
		AccountID: uuid.New(), To: []string{"not-an-address"}, HTMLBody: "<p>x</p>",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRecipient)

	err = q.Enqueue(context.Background(), &domain.QueueItem{
		AccountID: uuid.New(), To: []string{"a@example.com"},
	})
	assert.ErrorIs(t, err, domain.ErrEmptyBody)
}

func TestEnqueueBulkCarriesFullItem(t *testing.T) {
	q, mock := newTestQueue(t)

	tplID := uuid.New()
	item := validItem()
	item.ID = uuid.New()
	item.TemplateID = &tplID
	item.Attachments = []domain.Attachment{
		{Filename: "invoice.pdf", Content: "aGk=", ContentType: "application/pdf"},
	}
	item.Metadata = map[string]any{"campaign": "launch"}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`COPY "email_queue" \("id", "account_id", "template_id", .*"attachments", .*"metadata", "created_at", "updated_at"\) FROM STDIN`)
	prep.ExpectExec().
		WithArgs(item.ID, item.AccountID, tplID,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"Hello", "<p>Hi</p>", "",
			`[{"filename":"invoice.pdf","content":"aGk=","content_type":"application/pdf"}]`,
			"normal", 2, nil, sqlmock.AnyArg(), "pending", 0, DefaultPolicy.MaxRetries,
			`{"campaign":"launch"}`,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := q.EnqueueBulk(context.Background(), []*domain.QueueItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimWhilePaused(t *testing.T) {
	q, mock := newTestQueue(t)
	q.Pause()

	// No database round trip happens while paused.
	items, err := q.Claim(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Nil(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())

	q.Resume()
	assert.False(t, q.Paused())
}

func TestMarkSentRequiresProcessing(t *testing.T) {
	q, mock := newTestQueue(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE email_queue SET status = 'sent'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.MarkSent(context.Background(), id)
	assert.ErrorContains(t, err, "not processing")
}

func TestRecordFailureParksItemInRetrying(t *testing.T) {
	q, mock := newTestQueue(t)
	item := validItem()
	item.ID = uuid.New()
	item.RetryCount = 0
	item.MaxRetries = 3

	// A failed attempt with budget left goes to retrying, never back to
	// pending: pending is reserved for items that were never claimed.
	mock.ExpectQuery(`ELSE 'retrying' END`).
		WithArgs(item.ID, "connection refused", DefaultPolicy.Delay(1).Milliseconds()).
		WillReturnRows(sqlmock.NewRows([]string{"status", "retry_count"}).AddRow("retrying", 1))

	status, err := q.RecordFailure(context.Background(), item, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueRetrying, status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, "connection refused", item.LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureExhaustsRetries(t *testing.T) {
	q, mock := newTestQueue(t)
	item := validItem()
	item.ID = uuid.New()
	item.RetryCount = 3
	item.MaxRetries = 3

	mock.ExpectQuery(`UPDATE email_queue`).
		WithArgs(item.ID, "mailbox unavailable", DefaultPolicy.Delay(4).Milliseconds()).
		WillReturnRows(sqlmock.NewRows([]string{"status", "retry_count"}).AddRow("failed", 4))

	status, err := q.RecordFailure(context.Background(), item, "mailbox unavailable")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, status)
	assert.Equal(t, 4, item.RetryCount)
}

func TestCancelPending(t *testing.T) {
	q, mock := newTestQueue(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE email_queue SET status = 'cancelled'`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Cancel(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelProcessingFails(t *testing.T) {
	q, mock := newTestQueue(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE email_queue SET status = 'cancelled'`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM email_queue`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))

	err := q.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
	assert.ErrorContains(t, err, "processing")
}

func TestCancelDuringBackoffFails(t *testing.T) {
	q, mock := newTestQueue(t)
	id := uuid.New()

	// An item waiting out retry backoff is not pending and cannot be
	// cancelled.
	mock.ExpectExec(`UPDATE email_queue SET status = 'cancelled'`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM email_queue`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("retrying"))

	err := q.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
	assert.ErrorContains(t, err, "retrying")
}

func TestCancelMissingItem(t *testing.T) {
	q, mock := newTestQueue(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE email_queue SET status = 'cancelled'`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM email_queue`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	assert.ErrorIs(t, q.Cancel(context.Background(), id), domain.ErrNotFound)
}

func TestReleaseStuck(t *testing.T) {
	q, mock := newTestQueue(t)

	mock.ExpectExec(`UPDATE email_queue\s+SET status = 'retrying'`).
		WithArgs(int64(300)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := q.ReleaseStuck(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
