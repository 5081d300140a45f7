package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is an advisory scheduling hint. Lower rank dequeues first,
// but a delayed item only becomes eligible once its delay elapses
// regardless of priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its numeric queue ordering (lower is sooner).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// QueueStatus is the dispatch lifecycle state of a queue item. An item
// is pending only until its first claim; failed attempts with budget
// left park it in retrying, never back in pending, so only never-tried
// items are cancellable.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueRetrying   QueueStatus = "retrying"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// Terminal reports whether no further transitions may leave this state.
func (s QueueStatus) Terminal() bool {
	return s == QueueSent || s == QueueFailed || s == QueueCancelled
}

// Attachment is a file attached to a queued message. Content is
// base64-encoded when inline; Path points at externally stored content.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// DefaultMaxRetries is the retry budget applied when a queue item does
// not specify one.
const DefaultMaxRetries = 3

// QueueItem is one message awaiting or undergoing dispatch. A pending
// or retrying item is claimed by exactly one worker at a time; sent,
// failed and cancelled are terminal.
type QueueItem struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	AccountID   uuid.UUID      `json:"account_id" db:"account_id"`
	TemplateID  *uuid.UUID     `json:"template_id,omitempty" db:"template_id"`
	To          []string       `json:"to" db:"to_addrs"`
	CC          []string       `json:"cc,omitempty" db:"cc_addrs"`
	BCC         []string       `json:"bcc,omitempty" db:"bcc_addrs"`
	Subject     string         `json:"subject" db:"subject"`
	HTMLBody    string         `json:"html_body" db:"html_body"`
	TextBody    string         `json:"text_body,omitempty" db:"text_body"`
	Attachments []Attachment   `json:"attachments,omitempty" db:"attachments"`
	Priority    Priority       `json:"priority" db:"priority"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty" db:"scheduled_at"`
	Status      QueueStatus    `json:"status" db:"status"`
	RetryCount  int            `json:"retry_count" db:"retry_count"`
	MaxRetries  int            `json:"max_retries" db:"max_retries"`
	LastError   string         `json:"last_error,omitempty" db:"last_error"`
	Metadata    map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidEmail reports whether addr looks like a deliverable address.
func ValidEmail(addr string) bool {
	return emailRe.MatchString(addr)
}

// ValidEmails reports whether every address in the slice is valid.
func ValidEmails(addrs []string) bool {
	for _, a := range addrs {
		if !ValidEmail(a) {
			return false
		}
	}
	return true
}

// NormalizeEmail lowercases and trims an address for comparison.
func NormalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Validate checks the invariants a queue item must hold before enqueue:
// a non-empty, well-formed To list, well-formed CC/BCC, and an HTML body.
func (q *QueueItem) Validate() error {
	if len(q.To) == 0 {
		return ErrNoRecipients
	}
	if !ValidEmails(q.To) || !ValidEmails(q.CC) || !ValidEmails(q.BCC) {
		return ErrInvalidRecipient
	}
	if q.HTMLBody == "" {
		return ErrEmptyBody
	}
	return nil
}
