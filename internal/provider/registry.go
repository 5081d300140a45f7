package provider

import (
	"fmt"

	"github.com/relaymail/dispatch/internal/domain"
)

// Settings holds the process-wide, backend-specific configuration the
// registry injects into adapters (API hosts, OAuth client IDs, webhook
// signing keys). Loaded once at startup from the config file.
type Settings struct {
	Gmail    GmailSettings    `yaml:"gmail"`
	Outlook  OutlookSettings  `yaml:"outlook"`
	SendGrid SendGridSettings `yaml:"sendgrid"`
	SES      SESSettings      `yaml:"ses"`
	Mailgun  MailgunSettings  `yaml:"mailgun"`
	SMTP     SMTPSettings     `yaml:"smtp"`
}

// Registry is a stateless factory mapping backend identifiers to
// adapter constructors.
type Registry struct {
	settings Settings
}

// NewRegistry builds a registry over the given backend settings.
func NewRegistry(settings Settings) *Registry {
	return &Registry{settings: settings}
}

// Adapter constructs a fresh adapter for the backend with the given
// decrypted credentials.
//
// Send paths must run ValidateCredentials before calling this; webhook
// processing may pass empty credentials purely for the stateless
// ParseWebhook / VerifyWebhookSignature surface, which every adapter
// tolerates.
func (r *Registry) Adapter(backend domain.BackendType, creds Credentials) (Adapter, error) {
	switch backend {
	case domain.BackendGmail:
		return NewGmailAdapter(creds, r.settings.Gmail), nil
	case domain.BackendOutlook:
		return NewOutlookAdapter(creds, r.settings.Outlook), nil
	case domain.BackendSendGrid:
		return NewSendGridAdapter(creds, r.settings.SendGrid), nil
	case domain.BackendSES:
		return NewSESAdapter(creds, r.settings.SES), nil
	case domain.BackendMailgun:
		return NewMailgunAdapter(creds, r.settings.Mailgun), nil
	case domain.BackendSMTP:
		return NewSMTPAdapter(creds, r.settings.SMTP), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedBackend, backend)
	}
}

// WebhookAdapter constructs a credential-less adapter for parsing and
// signature verification only.
func (r *Registry) WebhookAdapter(backend domain.BackendType) (Adapter, error) {
	return r.Adapter(backend, Credentials{})
}
