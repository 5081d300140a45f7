package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/relaymail/dispatch/internal/domain"
)

// GmailSettings holds process-wide Gmail OAuth application config.
type GmailSettings struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	DailyLimit   int    `yaml:"daily_limit"`
}

// GmailAdapter sends through the Gmail API using a per-account OAuth2
// token pair. The API accepts a base64url-encoded raw MIME message.
type GmailAdapter struct {
	settings GmailSettings
	source   oauth2.TokenSource
	baseURL  string
	client   *http.Client
}

// NewGmailAdapter builds a Gmail adapter. With empty credentials the
// adapter still serves ParseWebhook/VerifyWebhookSignature; Send and
// VerifyCredentials will fail on the missing token.
func NewGmailAdapter(creds Credentials, settings GmailSettings) *GmailAdapter {
	a := &GmailAdapter{
		settings: settings,
		baseURL:  "https://gmail.googleapis.com/gmail/v1",
		client:   &http.Client{Timeout: 30 * time.Second},
	}

	if creds.Str("accessToken") != "" || creds.Str("refreshToken") != "" {
		conf := &oauth2.Config{
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			RedirectURL:  settings.RedirectURI,
			Endpoint:     google.Endpoint,
		}
		a.source = conf.TokenSource(context.Background(), &oauth2.Token{
			AccessToken:  creds.Str("accessToken"),
			RefreshToken: creds.Str("refreshToken"),
		})
	}

	return a
}

// Name returns the backend identifier.
func (a *GmailAdapter) Name() domain.BackendType { return domain.BackendGmail }

func (a *GmailAdapter) token() (string, error) {
	if a.source == nil {
		return "", fmt.Errorf("gmail adapter has no OAuth token")
	}
	tok, err := a.source.Token()
	if err != nil {
		return "", fmt.Errorf("refresh gmail token: %w", err)
	}
	return tok.AccessToken, nil
}

// Send delivers a single email through the Gmail API.
func (a *GmailAdapter) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	accessToken, err := a.token()
	if err != nil {
		return failure(domain.BackendGmail, "%v", err), nil
	}

	raw := base64.RawURLEncoding.EncodeToString([]byte(buildMIMEMessage(msg)))
	payload, err := json.Marshal(map[string]string{"raw": raw})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		a.baseURL+"/users/me/messages/send", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return failure(domain.BackendGmail, "gmail error %d: %s", resp.StatusCode, string(body)), nil
	}

	var result struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	json.Unmarshal(body, &result)

	log.Printf("[Gmail] Sent message (id: %s)", result.ID)

	return success(domain.BackendGmail, result.ID, map[string]any{"threadId": result.ThreadID}), nil
}

// SendBulk fans out sequentially; Gmail has no batch send endpoint.
func (a *GmailAdapter) SendBulk(ctx context.Context, msgs []*Message) []*SendResult {
	return sendEach(ctx, a, msgs)
}

// VerifyCredentials fetches the account profile to prove the token works.
func (a *GmailAdapter) VerifyCredentials(ctx context.Context) (bool, error) {
	accessToken, err := a.token()
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/users/me/profile", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK, nil
}

// GetQuota reports the configured daily cap. Gmail does not expose a
// usage counter, so Used is always 0.
func (a *GmailAdapter) GetQuota(ctx context.Context) (*QuotaInfo, error) {
	daily := a.settings.DailyLimit
	if daily <= 0 {
		daily = 500 // free-tier Gmail cap
	}
	return defaultQuota(daily), nil
}

// ParseWebhook decodes a Cloud Pub/Sub push envelope. The inner data
// payload is base64 and carries Gmail history notifications.
func (a *GmailAdapter) ParseWebhook(payload []byte) (*Event, error) {
	var envelope struct {
		Message struct {
			Data        string `json:"data"`
			PublishTime string `json:"publishTime"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("parse pubsub envelope: %w", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("decode pubsub data: %w", err)
	}

	var inner map[string]any
	if err := json.Unmarshal(decoded, &inner); err != nil {
		return nil, fmt.Errorf("parse pubsub data: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, envelope.Message.PublishTime)
	if err != nil {
		ts = time.Now()
	}

	historyID := ""
	if v, ok := inner["historyId"]; ok {
		historyID = fmt.Sprintf("%v", v)
	}

	return &Event{
		RawType:   "notification",
		MessageID: historyID,
		Timestamp: ts.UTC(),
		Data:      inner,
	}, nil
}

// VerifyWebhookSignature always accepts: Pub/Sub push delivery is
// authenticated at the transport layer, not per call.
func (a *GmailAdapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	return true
}

// buildMIMEMessage constructs a multipart/alternative MIME message with
// CRLF line endings as the Gmail raw upload format requires.
func buildMIMEMessage(msg *Message) string {
	boundary := fmt.Sprintf("=_dispatch_%d", time.Now().UnixNano())

	var b strings.Builder
	if msg.FromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", msg.FromName, msg.From)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	}
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.CC) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(msg.CC, ", "))
	}
	if len(msg.BCC) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\r\n", strings.Join(msg.BCC, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	for k, v := range msg.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	if msg.TextBody != "" {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
		b.WriteString(msg.TextBody)
		b.WriteString("\r\n\r\n")
	}

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(msg.HTMLBody)
	b.WriteString("\r\n\r\n")

	fmt.Fprintf(&b, "--%s--", boundary)
	return b.String()
}
