package domain

import (
	"time"

	"github.com/google/uuid"
)

// BackendType identifies the delivery backend used for sending.
type BackendType string

const (
	BackendGmail    BackendType = "gmail"
	BackendOutlook  BackendType = "outlook"
	BackendSendGrid BackendType = "sendgrid"
	BackendSES      BackendType = "ses"
	BackendMailgun  BackendType = "mailgun"
	BackendSMTP     BackendType = "smtp"
)

// Backends lists every supported backend type.
var Backends = []BackendType{
	BackendGmail, BackendOutlook, BackendSendGrid,
	BackendSES, BackendMailgun, BackendSMTP,
}

// Valid reports whether b is a known backend type.
func (b BackendType) Valid() bool {
	for _, known := range Backends {
		if b == known {
			return true
		}
	}
	return false
}

// AccountStatus represents the lifecycle state of a sending account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	// AccountFailed is only reachable through a credential verification
	// call; ordinary send failures never move an account here.
	AccountFailed AccountStatus = "failed"
)

// Quota tracks an account's send budget. The hourly figure is
// informational bookkeeping only; enforcement is daily.
type Quota struct {
	Daily   int       `json:"daily"`
	Hourly  int       `json:"hourly"`
	Used    int       `json:"used"`
	ResetAt time.Time `json:"reset_at"`
}

// Remaining returns the sends left in the current daily window.
func (q Quota) Remaining() int {
	if r := q.Daily - q.Used; r > 0 {
		return r
	}
	return 0
}

// Account is a sending identity bound to one backend. Credentials holds
// the encrypted credential blob; only the worker decrypts it, and only
// at send time.
type Account struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	UserID      uuid.UUID     `json:"user_id" db:"user_id"`
	Backend     BackendType   `json:"backend" db:"backend"`
	Email       string        `json:"email" db:"email"`
	DisplayName string        `json:"display_name" db:"display_name"`
	Credentials string        `json:"-" db:"credentials"`
	Quota       Quota         `json:"quota" db:"quota"`
	Status      AccountStatus `json:"status" db:"status"`
	LastSyncAt  *time.Time    `json:"last_sync_at,omitempty" db:"last_sync_at"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}
