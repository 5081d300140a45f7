package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/pkg/httpretry"
)

// MailgunSettings holds process-wide Mailgun config. The webhook
// signing key defaults to the account API key when unset.
type MailgunSettings struct {
	APIHost           string `yaml:"api_host"`
	WebhookSigningKey string `yaml:"webhook_signing_key"`
	DailyLimit        int    `yaml:"daily_limit"`
}

// MailgunBatchSize is the maximum recipients per batch send.
const MailgunBatchSize = 1000

// MailgunAdapter sends through the Mailgun Messages API.
// Batch-capable via recipient-variables.
type MailgunAdapter struct {
	apiKey   string
	domain   string
	settings MailgunSettings
	baseURL  string
	client   httpretry.HTTPDoer
}

// NewMailgunAdapter builds a Mailgun adapter for one sending domain.
func NewMailgunAdapter(creds Credentials, settings MailgunSettings) *MailgunAdapter {
	baseURL := settings.APIHost
	if baseURL == "" {
		baseURL = "https://api.mailgun.net/v3"
	}
	return &MailgunAdapter{
		apiKey:   creds.Str("apiKey"),
		domain:   creds.Str("domain"),
		settings: settings,
		baseURL:  baseURL,
		client:   httpretry.NewRetryClient(&http.Client{Timeout: 60 * time.Second}, 2),
	}
}

// Name returns the backend identifier.
func (a *MailgunAdapter) Name() domain.BackendType { return domain.BackendMailgun }

func (a *MailgunAdapter) buildForm(msg *Message) url.Values {
	form := url.Values{}
	if msg.FromName != "" {
		form.Add("from", fmt.Sprintf("%s <%s>", msg.FromName, msg.From))
	} else {
		form.Add("from", msg.From)
	}
	for _, to := range msg.To {
		form.Add("to", to)
	}
	for _, cc := range msg.CC {
		form.Add("cc", cc)
	}
	for _, bcc := range msg.BCC {
		form.Add("bcc", bcc)
	}
	form.Add("subject", msg.Subject)
	form.Add("html", msg.HTMLBody)
	if msg.TextBody != "" {
		form.Add("text", msg.TextBody)
	}
	for k, v := range msg.Headers {
		form.Add("h:"+k, v)
	}
	return form
}

func (a *MailgunAdapter) postMessages(ctx context.Context, form url.Values) (*SendResult, error) {
	endpoint := fmt.Sprintf("%s/%s/messages", a.baseURL, a.domain)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return failure(domain.BackendMailgun, "Mailgun error %d: %s", resp.StatusCode, string(body)), nil
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	json.Unmarshal(body, &result)
	messageID := strings.Trim(result.ID, "<>")

	return success(domain.BackendMailgun, messageID, map[string]any{"message": result.Message}), nil
}

// Send delivers a single email through Mailgun.
func (a *MailgunAdapter) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if a.apiKey == "" {
		return failure(domain.BackendMailgun, "Mailgun API key not configured"), nil
	}

	res, err := a.postMessages(ctx, a.buildForm(msg))
	if err != nil {
		return nil, err
	}
	if res.Success {
		log.Printf("[Mailgun] Sent message (id: %s)", res.MessageID)
	}
	return res, nil
}

// SendBulk batches same-content messages into one API call per chunk
// using Mailgun's recipient-variables; mixed-content batches fall back
// to sequential fan-out.
func (a *MailgunAdapter) SendBulk(ctx context.Context, msgs []*Message) []*SendResult {
	if len(msgs) == 0 {
		return nil
	}
	if a.apiKey == "" {
		return sendEach(ctx, a, msgs)
	}
	for _, msg := range msgs[1:] {
		if msg.HTMLBody != msgs[0].HTMLBody || msg.Subject != msgs[0].Subject {
			return sendEach(ctx, a, msgs)
		}
	}

	results := make([]*SendResult, 0, len(msgs))
	for start := 0; start < len(msgs); start += MailgunBatchSize {
		end := min(start+MailgunBatchSize, len(msgs))
		chunk := msgs[start:end]

		form := a.buildForm(chunk[0])
		form.Del("to")
		recipientVars := make(map[string]map[string]string, len(chunk))
		for _, msg := range chunk {
			for _, to := range msg.To {
				form.Add("to", to)
				recipientVars[to] = map[string]string{}
			}
		}
		if vars, err := json.Marshal(recipientVars); err == nil {
			form.Set("recipient-variables", string(vars))
		}

		res, err := a.postMessages(ctx, form)
		for range chunk {
			if err != nil {
				results = append(results, failure(domain.BackendMailgun, "%v", err))
				continue
			}
			results = append(results, &SendResult{
				Success:   res.Success,
				MessageID: res.MessageID,
				Backend:   domain.BackendMailgun,
				Error:     res.Error,
				SentAt:    res.SentAt,
			})
		}
	}
	return results
}

// VerifyCredentials fetches the sending domain record.
func (a *MailgunAdapter) VerifyCredentials(ctx context.Context) (bool, error) {
	if a.apiKey == "" || a.domain == "" {
		return false, fmt.Errorf("Mailgun credentials not configured")
	}

	endpoint := fmt.Sprintf("%s/domains/%s", a.baseURL, a.domain)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth("api", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK, nil
}

// GetQuota reports the configured daily cap; Mailgun does not expose a
// usage counter on this API surface.
func (a *MailgunAdapter) GetQuota(ctx context.Context) (*QuotaInfo, error) {
	daily := a.settings.DailyLimit
	if daily <= 0 {
		daily = 166 // ~5000/month free tier spread daily
	}
	return defaultQuota(daily), nil
}

// ParseWebhook decodes a Mailgun event webhook ("event-data" wrapper).
func (a *MailgunAdapter) ParseWebhook(payload []byte) (*Event, error) {
	var envelope struct {
		EventData map[string]any `json:"event-data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("parse mailgun event: %w", err)
	}
	data := envelope.EventData
	if data == nil {
		// Legacy webhooks post the event fields at the top level.
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, fmt.Errorf("parse mailgun event: %w", err)
		}
	}

	rawType, _ := data["event"].(string)
	recipient, _ := data["recipient"].(string)

	messageID := ""
	if msg, ok := data["message"].(map[string]any); ok {
		if headers, ok := msg["headers"].(map[string]any); ok {
			messageID, _ = headers["message-id"].(string)
		}
	}
	messageID = strings.Trim(messageID, "<>")

	ts := time.Now().UTC()
	if unix, ok := data["timestamp"].(float64); ok {
		sec := int64(unix)
		nsec := int64((unix - float64(sec)) * 1e9)
		ts = time.Unix(sec, nsec).UTC()
	}

	return &Event{
		RawType:   rawType,
		MessageID: messageID,
		Timestamp: ts,
		Recipient: recipient,
		Data:      data,
	}, nil
}

// VerifyWebhookSignature checks the Mailgun HMAC-SHA256 over
// timestamp+token from the payload's signature block. The signature
// argument, when present, overrides the embedded signature hex.
func (a *MailgunAdapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	signingKey := a.settings.WebhookSigningKey
	if signingKey == "" {
		signingKey = a.apiKey
	}
	if signingKey == "" {
		return false
	}

	var envelope struct {
		Signature struct {
			Timestamp string `json:"timestamp"`
			Token     string `json:"token"`
			Signature string `json:"signature"`
		} `json:"signature"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return false
	}
	if signature == "" {
		signature = envelope.Signature.Signature
	}
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(envelope.Signature.Timestamp + envelope.Signature.Token))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
