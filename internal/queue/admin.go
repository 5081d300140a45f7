package queue

import (
	"context"
	"encoding/json"
)

// Stats is a point-in-time census of the queue.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// Stats reports queue depth by state. Delayed counts claimable items
// whose eligibility time is still in the future (scheduled sends and
// retry backoff); Waiting counts the claimable rest.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('pending', 'retrying') AND next_attempt_at <= NOW()),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'retrying') AND next_attempt_at > NOW())
		FROM email_queue`

	s := &Stats{Paused: q.paused.Load()}
	err := q.db.QueryRowContext(ctx, query).
		Scan(&s.Waiting, &s.Active, &s.Completed, &s.Failed, &s.Delayed)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Pause stops Claim from handing out work. Items already claimed keep
// processing; new and scheduled items accumulate until Resume.
func (q *Queue) Pause() { q.paused.Store(true) }

// Resume re-enables claiming.
func (q *Queue) Resume() { q.paused.Store(false) }

// Paused reports whether claiming is suspended.
func (q *Queue) Paused() bool { return q.paused.Load() }

// Clean applies the retention policy: sent items older than a day are
// removed beyond the most recent keepSent, and failed items are
// removed after seven days. Returns rows deleted.
func (q *Queue) Clean(ctx context.Context, keepSent int) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM email_queue
		WHERE (status = 'sent' AND updated_at < NOW() - INTERVAL '24 hours'
			AND id NOT IN (
				SELECT id FROM email_queue WHERE status = 'sent'
				ORDER BY updated_at DESC LIMIT $1))
		OR (status = 'failed' AND updated_at < NOW() - INTERVAL '7 days')`,
		keepSent)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// encodeJSON renders v as a JSONB parameter value. Text, not []byte:
// pq would ship a byte slice as bytea, which a JSONB column rejects.
func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(data []byte, v any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, v)
}
