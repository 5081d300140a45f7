package provider

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/pkg/httpretry"
)

// SendGridSettings holds process-wide SendGrid config. WebhookPublicKey
// is the PEM-encoded event webhook verification key.
type SendGridSettings struct {
	WebhookPublicKey string `yaml:"webhook_public_key"`
	DailyLimit       int    `yaml:"daily_limit"`
}

// SendGridBatchSize is the maximum personalizations per mail/send call.
const SendGridBatchSize = 1000

// SendGridAdapter sends through the SendGrid v3 Mail Send API.
// Batch-capable via the personalizations array.
type SendGridAdapter struct {
	apiKey   string
	settings SendGridSettings
	baseURL  string
	client   httpretry.HTTPDoer
}

// NewSendGridAdapter builds a SendGrid adapter. Calls retry on 429 and
// transient server errors.
func NewSendGridAdapter(creds Credentials, settings SendGridSettings) *SendGridAdapter {
	return &SendGridAdapter{
		apiKey:   creds.Str("apiKey"),
		settings: settings,
		baseURL:  "https://api.sendgrid.com/v3",
		client:   httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 2),
	}
}

// Name returns the backend identifier.
func (a *SendGridAdapter) Name() domain.BackendType { return domain.BackendSendGrid }

func sgAddresses(addrs []string) []map[string]string {
	out := make([]map[string]string, len(addrs))
	for i, addr := range addrs {
		out[i] = map[string]string{"email": addr}
	}
	return out
}

func (a *SendGridAdapter) buildPayload(msg *Message) map[string]any {
	personalization := map[string]any{"to": sgAddresses(msg.To)}
	if len(msg.CC) > 0 {
		personalization["cc"] = sgAddresses(msg.CC)
	}
	if len(msg.BCC) > 0 {
		personalization["bcc"] = sgAddresses(msg.BCC)
	}

	content := []map[string]string{}
	if msg.TextBody != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": msg.TextBody})
	}
	content = append(content, map[string]string{"type": "text/html", "value": msg.HTMLBody})

	payload := map[string]any{
		"personalizations": []map[string]any{personalization},
		"from":             map[string]string{"email": msg.From, "name": msg.FromName},
		"subject":          msg.Subject,
		"content":          content,
	}

	if len(msg.Attachments) > 0 {
		atts := make([]map[string]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			atts = append(atts, map[string]string{
				"content":     att.Content,
				"filename":    att.Filename,
				"type":        att.ContentType,
				"disposition": "attachment",
			})
		}
		payload["attachments"] = atts
	}

	return payload
}

func (a *SendGridAdapter) post(ctx context.Context, payload any) (*http.Response, []byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/mail/send", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body, nil
}

// Send delivers a single email through SendGrid. The message ID comes
// back in the X-Message-Id response header.
func (a *SendGridAdapter) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if a.apiKey == "" {
		return failure(domain.BackendSendGrid, "SendGrid API key not configured"), nil
	}

	resp, body, err := a.post(ctx, a.buildPayload(msg))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return failure(domain.BackendSendGrid, "SendGrid error %d: %s", resp.StatusCode, string(body)), nil
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		messageID = uuid.New().String()
	}

	log.Printf("[SendGrid] Sent message (id: %s)", messageID)
	return success(domain.BackendSendGrid, messageID, map[string]any{"statusCode": resp.StatusCode}), nil
}

// SendBulk batches messages through one mail/send call per chunk using
// the personalizations array. All messages in one call share the first
// message's content; mixed-content batches fall back to fan-out.
func (a *SendGridAdapter) SendBulk(ctx context.Context, msgs []*Message) []*SendResult {
	if len(msgs) == 0 {
		return nil
	}
	for _, msg := range msgs[1:] {
		if msg.HTMLBody != msgs[0].HTMLBody || msg.Subject != msgs[0].Subject {
			return sendEach(ctx, a, msgs)
		}
	}

	results := make([]*SendResult, 0, len(msgs))
	for start := 0; start < len(msgs); start += SendGridBatchSize {
		end := min(start+SendGridBatchSize, len(msgs))
		chunk := msgs[start:end]

		payload := a.buildPayload(chunk[0])
		personalizations := make([]map[string]any, len(chunk))
		for i, msg := range chunk {
			personalizations[i] = map[string]any{"to": sgAddresses(msg.To)}
		}
		payload["personalizations"] = personalizations

		resp, body, err := a.post(ctx, payload)
		for range chunk {
			switch {
			case err != nil:
				results = append(results, failure(domain.BackendSendGrid, "%v", err))
			case resp.StatusCode >= 400:
				results = append(results, failure(domain.BackendSendGrid, "SendGrid error %d: %s", resp.StatusCode, string(body)))
			default:
				messageID := resp.Header.Get("X-Message-Id")
				if messageID == "" {
					messageID = uuid.New().String()
				}
				results = append(results, success(domain.BackendSendGrid, messageID, nil))
			}
		}
	}
	return results
}

// VerifyCredentials checks the API key against the user profile endpoint.
func (a *SendGridAdapter) VerifyCredentials(ctx context.Context) (bool, error) {
	if a.apiKey == "" {
		return false, fmt.Errorf("SendGrid API key not configured")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/user/profile", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK, nil
}

// GetQuota reports the configured daily cap; usage requires the stats
// API and is not tracked here.
func (a *SendGridAdapter) GetQuota(ctx context.Context) (*QuotaInfo, error) {
	daily := a.settings.DailyLimit
	if daily <= 0 {
		daily = 100 // free-tier cap
	}
	return defaultQuota(daily), nil
}

// ParseWebhook decodes a SendGrid event webhook entry. SendGrid posts
// event batches as a JSON array; a single object is also accepted.
func (a *SendGridAdapter) ParseWebhook(payload []byte) (*Event, error) {
	var events []map[string]any
	if err := json.Unmarshal(payload, &events); err != nil {
		var single map[string]any
		if err2 := json.Unmarshal(payload, &single); err2 != nil {
			return nil, fmt.Errorf("parse sendgrid event: %w", err)
		}
		events = []map[string]any{single}
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("sendgrid payload has no events")
	}

	ev := events[0]
	rawType, _ := ev["event"].(string)
	messageID, _ := ev["sg_message_id"].(string)
	recipient, _ := ev["email"].(string)

	ts := time.Now().UTC()
	if unix, ok := ev["timestamp"].(float64); ok {
		ts = time.Unix(int64(unix), 0).UTC()
	}

	return &Event{
		RawType:   rawType,
		MessageID: messageID,
		Timestamp: ts,
		Recipient: recipient,
		Data:      ev,
	}, nil
}

// VerifyWebhookSignature checks an RSA-SHA256 signature (base64) over
// the raw payload against the configured PEM public key. Without a
// configured key, events are rejected.
func (a *SendGridAdapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	if a.settings.WebhookPublicKey == "" {
		log.Printf("[SendGrid] No webhook public key configured, rejecting event")
		return false
	}

	block, _ := pem.Decode([]byte(a.settings.WebhookPublicKey))
	if block == nil {
		return false
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}
