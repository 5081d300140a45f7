package webhook

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
	"github.com/relaymail/dispatch/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewReconciler(store.NewStore(db)), mock
}

func deliveryLogRows(logID uuid.UUID, messageID string) *sqlmock.Rows {
	return deliveryLogRowsWithStatus(logID, messageID, "sent")
}

func deliveryLogRowsWithStatus(logID uuid.UUID, messageID, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "queue_id", "account_id", "backend", "message_id", "to_addrs", "cc_addrs",
		"bcc_addrs", "subject", "status", "sent_at", "delivered_at", "opened_at",
		"clicked_at", "bounced_at", "opens", "clicks", "bounce_reason", "ip_address",
		"user_agent", "created_at", "updated_at",
	}).AddRow(
		logID, uuid.New(), uuid.New(), "sendgrid", messageID,
		[]byte("{alice@example.com}"), []byte("{}"), []byte("{}"),
		"Hello", status, now, nil, nil, nil, nil, 0, 0, nil, nil, nil, now, now,
	)
}

func TestReconcilerAppliesBounce(t *testing.T) {
	r, mock := newTestReconciler(t)
	logID := uuid.New()

	mock.ExpectQuery(`FROM delivery_logs WHERE message_id`).
		WithArgs("msg-1").
		WillReturnRows(deliveryLogRows(logID, "msg-1"))
	mock.ExpectExec(`UPDATE delivery_logs\s+SET status = 'bounced'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO webhook_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := &domain.CanonicalEvent{
		Type:      domain.EventBounced,
		MessageID: "msg-1",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"reason": "mailbox full"},
	}
	err := r.Apply(context.Background(), domain.BackendSendGrid, event, []byte(`{"event":"bounce"}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcilerOpenedTracksClientMetadata(t *testing.T) {
	r, mock := newTestReconciler(t)
	logID := uuid.New()

	mock.ExpectQuery(`FROM delivery_logs WHERE message_id`).
		WithArgs("msg-2").
		WillReturnRows(deliveryLogRows(logID, "msg-2"))
	mock.ExpectExec(`UPDATE delivery_logs\s+SET status = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO webhook_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := &domain.CanonicalEvent{
		Type:      domain.EventOpened,
		MessageID: "msg-2",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"ip": "10.0.0.1", "user_agent": "Mozilla/5.0"},
	}
	err := r.Apply(context.Background(), domain.BackendMailgun, event, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcilerCountsRepeatOpens(t *testing.T) {
	r, mock := newTestReconciler(t)
	logID := uuid.New()

	// The second open finds the log already opened; the counter still
	// advances while the status CASE leaves it at opened.
	for _, status := range []string{"sent", "opened"} {
		mock.ExpectQuery(`FROM delivery_logs WHERE message_id`).
			WithArgs("msg-4").
			WillReturnRows(deliveryLogRowsWithStatus(logID, "msg-4", status))
		mock.ExpectExec(`(?s)opens = opens \+ 1.*WHERE message_id = \$1\s*$`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO webhook_records`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	event := &domain.CanonicalEvent{Type: domain.EventOpened, MessageID: "msg-4", Timestamp: time.Now().UTC()}
	require.NoError(t, r.Apply(context.Background(), domain.BackendSendGrid, event, nil))
	require.NoError(t, r.Apply(context.Background(), domain.BackendSendGrid, event, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcilerCountsOpensOnBouncedLog(t *testing.T) {
	r, mock := newTestReconciler(t)
	logID := uuid.New()

	// Bounced freezes the status, not the counters: the update carries
	// no terminal filter in its WHERE clause and still matches the row.
	mock.ExpectQuery(`FROM delivery_logs WHERE message_id`).
		WithArgs("msg-5").
		WillReturnRows(deliveryLogRowsWithStatus(logID, "msg-5", "bounced"))
	mock.ExpectExec(`(?s)opens = opens \+ 1.*WHERE message_id = \$1\s*$`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO webhook_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := &domain.CanonicalEvent{Type: domain.EventOpened, MessageID: "msg-5", Timestamp: time.Now().UTC()}
	require.NoError(t, r.Apply(context.Background(), domain.BackendSES, event, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcilerUnknownMessageIsNoOp(t *testing.T) {
	r, mock := newTestReconciler(t)

	mock.ExpectQuery(`FROM delivery_logs WHERE message_id`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	event := &domain.CanonicalEvent{Type: domain.EventDelivered, MessageID: "missing"}
	err := r.Apply(context.Background(), domain.BackendSES, event, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcilerUnsubscribedAuditOnly(t *testing.T) {
	r, mock := newTestReconciler(t)
	logID := uuid.New()

	mock.ExpectQuery(`FROM delivery_logs WHERE message_id`).
		WithArgs("msg-3").
		WillReturnRows(deliveryLogRows(logID, "msg-3"))
	// No delivery log update for unsubscribes, only the audit row.
	mock.ExpectExec(`INSERT INTO webhook_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := &domain.CanonicalEvent{Type: domain.EventUnsubscribed, MessageID: "msg-3"}
	err := r.Apply(context.Background(), domain.BackendMailgun, event, []byte(`{"event":"unsubscribed"}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
