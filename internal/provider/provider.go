// Package provider contains the delivery backend adapters and the
// registry that constructs them.
//
// Adapters are split into individual files:
//   - gmail.go:    Gmail API (OAuth2, raw MIME upload)
//   - outlook.go:  Microsoft Graph sendMail
//   - sendgrid.go: SendGrid v3 Mail Send (batch-capable)
//   - ses.go:      AWS SES v2 (SNS-delivered events)
//   - mailgun.go:  Mailgun Messages API (batch-capable)
//   - smtp.go:     direct SMTP relay (no webhook support)
//
// Every adapter implements the same capability surface. Ordinary
// delivery failures come back as a SendResult with Success=false and a
// human-readable Error; a non-nil error return is reserved for
// infrastructure problems (unreachable transport, cancelled context).
// Adapter construction is the only fail-fast path: malformed or missing
// credential fields are rejected before any live call.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymail/dispatch/internal/domain"
)

// Message is a fully resolved outbound email handed to an adapter.
type Message struct {
	From        string
	FromName    string
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []domain.Attachment
	Headers     map[string]string
	Metadata    map[string]any
}

// SendResult is the outcome of one delivery attempt. SentAt is always
// a UTC instant.
type SendResult struct {
	Success   bool
	MessageID string
	Backend   domain.BackendType
	Error     string
	Metadata  map[string]any
	SentAt    time.Time
}

// QuotaInfo is a best-effort snapshot of the backend's own send budget.
// Backends that cannot report usage return Used=0.
type QuotaInfo struct {
	Daily     int
	Hourly    int
	Used      int
	Remaining int
	ResetAt   time.Time
}

// Event is a provider-parsed webhook callback before canonical
// classification. RawType carries the provider's own event string; the
// webhook normalizer maps it onto the canonical taxonomy.
type Event struct {
	RawType   string
	MessageID string
	Timestamp time.Time
	Recipient string
	Data      map[string]any
}

// Adapter is the uniform capability surface over one delivery backend.
//
// ParseWebhook and VerifyWebhookSignature must work on adapters built
// with empty credentials: webhook processing constructs adapters purely
// for their stateless parsing behavior.
type Adapter interface {
	Name() domain.BackendType
	Send(ctx context.Context, msg *Message) (*SendResult, error)
	SendBulk(ctx context.Context, msgs []*Message) []*SendResult
	VerifyCredentials(ctx context.Context) (bool, error)
	GetQuota(ctx context.Context) (*QuotaInfo, error)
	ParseWebhook(payload []byte) (*Event, error)
	VerifyWebhookSignature(payload []byte, signature string) bool
}

// Credentials is the decrypted credential blob for one account.
// Values are schema-checked by ValidateCredentials before an adapter
// is built for a send path.
type Credentials map[string]any

// Str returns the string value for key, or "" when absent.
func (c Credentials) Str(key string) string {
	v, _ := c[key].(string)
	return v
}

// Int returns the integer value for key, tolerating JSON float64
// decoding, or def when absent.
func (c Credentials) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// Bool returns the boolean value for key, or false when absent.
func (c Credentials) Bool(key string) bool {
	v, _ := c[key].(bool)
	return v
}

// ValidateCredentials checks the credential shape for a backend type.
// It runs before adapter construction so malformed credentials never
// reach a live call.
func ValidateCredentials(backend domain.BackendType, creds Credentials) bool {
	switch backend {
	case domain.BackendGmail, domain.BackendOutlook:
		return creds.Str("accessToken") != "" && creds.Str("refreshToken") != ""
	case domain.BackendSendGrid:
		return creds.Str("apiKey") != ""
	case domain.BackendSES:
		return creds.Str("accessKeyId") != "" && creds.Str("secretAccessKey") != ""
	case domain.BackendMailgun:
		return creds.Str("apiKey") != "" && creds.Str("domain") != ""
	case domain.BackendSMTP:
		return creds.Str("host") != "" && creds.Str("user") != "" && creds.Str("password") != ""
	default:
		return false
	}
}

// failure builds a failed SendResult carrying a human-readable error.
func failure(backend domain.BackendType, format string, args ...any) *SendResult {
	return &SendResult{
		Success: false,
		Backend: backend,
		Error:   fmt.Sprintf(format, args...),
		SentAt:  time.Now().UTC(),
	}
}

// success builds a successful SendResult stamped with the current UTC time.
func success(backend domain.BackendType, messageID string, metadata map[string]any) *SendResult {
	return &SendResult{
		Success:   true,
		Backend:   backend,
		MessageID: messageID,
		Metadata:  metadata,
		SentAt:    time.Now().UTC(),
	}
}

// sendEach is the default bulk implementation: sequential fan-out over
// Send. Backends with native batch APIs override SendBulk instead.
func sendEach(ctx context.Context, a Adapter, msgs []*Message) []*SendResult {
	results := make([]*SendResult, 0, len(msgs))
	for _, msg := range msgs {
		res, err := a.Send(ctx, msg)
		if err != nil {
			res = failure(a.Name(), "%v", err)
		}
		results = append(results, res)
	}
	return results
}

// nextMidnightUTC returns the next daily quota reset instant.
func nextMidnightUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// defaultQuota builds the informational quota snapshot used by
// backends that cannot report real usage.
func defaultQuota(daily int) *QuotaInfo {
	return &QuotaInfo{
		Daily:     daily,
		Hourly:    daily / 24,
		Used:      0,
		Remaining: daily,
		ResetAt:   nextMidnightUTC(),
	}
}
