package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LogStatus is the delivery lifecycle state of a dispatched message.
type LogStatus string

const (
	LogSent       LogStatus = "sent"
	LogDelivered  LogStatus = "delivered"
	LogOpened     LogStatus = "opened"
	LogClicked    LogStatus = "clicked"
	LogBounced    LogStatus = "bounced"
	LogComplained LogStatus = "complained"
)

// Terminal reports whether the status accepts no further transitions.
// Bounced and complained logs never move to delivered/opened/clicked.
func (s LogStatus) Terminal() bool {
	return s == LogBounced || s == LogComplained
}

// DeliveryLog is the durable record of a successfully dispatched
// message. Created once at send time, one-to-one with its QueueItem,
// and afterwards mutated only by the lifecycle reconciler. QueueID
// goes to zero once retention removes the queue row; the log survives.
type DeliveryLog struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	QueueID      uuid.UUID   `json:"queue_id" db:"queue_id"`
	AccountID    uuid.UUID   `json:"account_id" db:"account_id"`
	Backend      BackendType `json:"backend" db:"backend"`
	MessageID    string      `json:"message_id" db:"message_id"`
	To           []string    `json:"to" db:"to_addrs"`
	CC           []string    `json:"cc,omitempty" db:"cc_addrs"`
	BCC          []string    `json:"bcc,omitempty" db:"bcc_addrs"`
	Subject      string      `json:"subject" db:"subject"`
	Status       LogStatus   `json:"status" db:"status"`
	SentAt       time.Time   `json:"sent_at" db:"sent_at"`
	DeliveredAt  *time.Time  `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt     *time.Time  `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt    *time.Time  `json:"clicked_at,omitempty" db:"clicked_at"`
	BouncedAt    *time.Time  `json:"bounced_at,omitempty" db:"bounced_at"`
	Opens        int         `json:"opens" db:"opens"`
	Clicks       int         `json:"clicks" db:"clicks"`
	BounceReason string      `json:"bounce_reason,omitempty" db:"bounce_reason"`
	IPAddress    string      `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string      `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// EventType is the canonical taxonomy for normalized delivery events.
type EventType string

const (
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"
)

// CanonicalEvent is the ephemeral normalized form of a provider
// callback. Timestamps are always UTC instants.
type CanonicalEvent struct {
	Type      EventType      `json:"type"`
	MessageID string         `json:"message_id"`
	Timestamp time.Time      `json:"timestamp"`
	Recipient string         `json:"recipient,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// WebhookRecord is an append-only audit row for every normalized
// inbound event, whether or not it mutated a delivery log. Never
// mutated after creation.
type WebhookRecord struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	DeliveryLogID uuid.UUID       `json:"delivery_log_id" db:"delivery_log_id"`
	Backend       BackendType     `json:"backend" db:"backend"`
	EventType     EventType       `json:"event_type" db:"event_type"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	ProcessedAt   time.Time       `json:"processed_at" db:"processed_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Template is a reusable message body rendered at enqueue time.
type Template struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	AccountID *uuid.UUID `json:"account_id,omitempty" db:"account_id"`
	Name      string     `json:"name" db:"name"`
	Subject   string     `json:"subject" db:"subject"`
	HTMLBody  string     `json:"html_body" db:"html_body"`
	TextBody  string     `json:"text_body,omitempty" db:"text_body"`
	Variables []string   `json:"variables,omitempty" db:"variables"`
	Active    bool       `json:"active" db:"active"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}
