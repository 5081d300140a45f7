package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"time"

	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/domain"
)

// SMTPSettings holds process-wide SMTP relay config.
type SMTPSettings struct {
	DailyLimit int `yaml:"daily_limit"`
}

// SMTPAdapter sends through a plain SMTP relay. The relay assigns no
// delivery events, so webhook parsing is a stub kept only for the
// uniform capability surface.
type SMTPAdapter struct {
	host     string
	port     int
	secure   bool
	user     string
	password string
	settings SMTPSettings
	timeout  time.Duration
}

// NewSMTPAdapter builds an SMTP adapter from host/port/user/password
// credentials. Port defaults to 587 (submission).
func NewSMTPAdapter(creds Credentials, settings SMTPSettings) *SMTPAdapter {
	return &SMTPAdapter{
		host:     creds.Str("host"),
		port:     creds.Int("port", 587),
		secure:   creds.Bool("secure"),
		user:     creds.Str("user"),
		password: creds.Str("password"),
		settings: settings,
		timeout:  30 * time.Second,
	}
}

// Name returns the backend identifier.
func (a *SMTPAdapter) Name() domain.BackendType { return domain.BackendSMTP }

func (a *SMTPAdapter) addr() string {
	return net.JoinHostPort(a.host, fmt.Sprintf("%d", a.port))
}

// dial opens the SMTP session, with implicit TLS when secure is set
// and opportunistic STARTTLS otherwise.
func (a *SMTPAdapter) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: a.timeout}

	if a.secure {
		conn, err := tls.DialWithDialer(dialer, "tcp", a.addr(), &tls.Config{ServerName: a.host})
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, a.host)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.addr())
	if err != nil {
		return nil, err
	}
	client, err := smtp.NewClient(conn, a.host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: a.host}); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// Send delivers a single email over SMTP. The relay does not assign a
// message ID, so one is generated and stamped into the headers.
func (a *SMTPAdapter) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if a.host == "" {
		return failure(domain.BackendSMTP, "SMTP host not configured"), nil
	}

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), a.host)
	headers := map[string]string{"Message-ID": fmt.Sprintf("<%s>", messageID)}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	stamped := *msg
	stamped.Headers = headers

	client, err := a.dial(ctx)
	if err != nil {
		return failure(domain.BackendSMTP, "SMTP connect failed: %v", err), nil
	}
	defer client.Close()

	if a.user != "" {
		auth := smtp.PlainAuth("", a.user, a.password, a.host)
		if err := client.Auth(auth); err != nil {
			return failure(domain.BackendSMTP, "SMTP auth failed: %v", err), nil
		}
	}

	if err := client.Mail(msg.From); err != nil {
		return failure(domain.BackendSMTP, "MAIL FROM rejected: %v", err), nil
	}

	recipients := make([]string, 0, len(msg.To)+len(msg.CC)+len(msg.BCC))
	recipients = append(recipients, msg.To...)
	recipients = append(recipients, msg.CC...)
	recipients = append(recipients, msg.BCC...)
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return failure(domain.BackendSMTP, "RCPT TO rejected: %v", err), nil
		}
	}

	w, err := client.Data()
	if err != nil {
		return failure(domain.BackendSMTP, "DATA rejected: %v", err), nil
	}
	if _, err := w.Write([]byte(buildMIMEMessage(&stamped))); err != nil {
		w.Close()
		return failure(domain.BackendSMTP, "write message failed: %v", err), nil
	}
	if err := w.Close(); err != nil {
		return failure(domain.BackendSMTP, "message rejected: %v", err), nil
	}
	client.Quit()

	log.Printf("[SMTP] Sent message via %s (id: %s)", a.host, messageID)
	return success(domain.BackendSMTP, messageID, map[string]any{"host": a.host}), nil
}

// SendBulk fans out sequentially; SMTP has no batch semantics.
func (a *SMTPAdapter) SendBulk(ctx context.Context, msgs []*Message) []*SendResult {
	return sendEach(ctx, a, msgs)
}

// VerifyCredentials opens a session and authenticates without sending.
func (a *SMTPAdapter) VerifyCredentials(ctx context.Context) (bool, error) {
	if a.host == "" {
		return false, fmt.Errorf("SMTP host not configured")
	}

	client, err := a.dial(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()

	if a.user != "" {
		auth := smtp.PlainAuth("", a.user, a.password, a.host)
		if err := client.Auth(auth); err != nil {
			return false, err
		}
	}
	client.Quit()
	return true, nil
}

// GetQuota reports the configured daily cap; relays expose no counters.
func (a *SMTPAdapter) GetQuota(ctx context.Context) (*QuotaInfo, error) {
	daily := a.settings.DailyLimit
	if daily <= 0 {
		daily = 500
	}
	return defaultQuota(daily), nil
}

// ParseWebhook is a stub: SMTP relays deliver no events.
func (a *SMTPAdapter) ParseWebhook(payload []byte) (*Event, error) {
	return nil, fmt.Errorf("smtp backend has no webhook events")
}

// VerifyWebhookSignature always rejects: there is nothing to verify.
func (a *SMTPAdapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	return false
}
