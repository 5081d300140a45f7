package provider

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/relaymail/dispatch/internal/domain"
)

// SESSettings holds process-wide AWS SES config.
type SESSettings struct {
	Region     string `yaml:"region"`
	DailyLimit int    `yaml:"daily_limit"`
}

// SESAdapter sends through AWS SES using the SDK v2. Delivery events
// arrive wrapped in SNS notification envelopes.
type SESAdapter struct {
	settings SESSettings
	client   *sesv2.Client
	httpc    *http.Client
}

// NewSESAdapter builds an SES adapter. The SDK client is only
// initialized when IAM credentials are present; a credential-less
// adapter still serves webhook parsing.
func NewSESAdapter(creds Credentials, settings SESSettings) *SESAdapter {
	if settings.Region == "" {
		settings.Region = "us-east-1"
	}

	a := &SESAdapter{
		settings: settings,
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}

	accessKey := creds.Str("accessKeyId")
	secretKey := creds.Str("secretAccessKey")
	if accessKey != "" && secretKey != "" {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(settings.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			log.Printf("[SES] Warning: failed to initialize AWS config: %v", err)
		} else {
			a.client = sesv2.NewFromConfig(cfg)
		}
	}

	return a
}

// Name returns the backend identifier.
func (a *SESAdapter) Name() domain.BackendType { return domain.BackendSES }

// Send delivers a single email through SES.
func (a *SESAdapter) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if a.client == nil {
		return failure(domain.BackendSES, "SES client not initialized - check credentials"), nil
	}

	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}

	body := &types.Body{
		Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.CC,
			BccAddresses: msg.BCC,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}

	out, err := a.client.SendEmail(ctx, input)
	if err != nil {
		// SES rejections (throttles, unverified identities) are
		// delivery failures, not infrastructure errors.
		return failure(domain.BackendSES, "SES send failed: %v", err), nil
	}

	messageID := aws.ToString(out.MessageId)
	log.Printf("[SES] Sent message (id: %s)", messageID)
	return success(domain.BackendSES, messageID, nil), nil
}

// SendBulk fans out sequentially. SES bulk sending requires templates
// stored on the SES side, which this gateway does not manage.
func (a *SESAdapter) SendBulk(ctx context.Context, msgs []*Message) []*SendResult {
	return sendEach(ctx, a, msgs)
}

// VerifyCredentials calls GetAccount, which any valid IAM key with SES
// access can perform.
func (a *SESAdapter) VerifyCredentials(ctx context.Context) (bool, error) {
	if a.client == nil {
		return false, fmt.Errorf("SES client not initialized")
	}
	_, err := a.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetQuota reports the real SES account quota when the client is live,
// falling back to the configured daily cap.
func (a *SESAdapter) GetQuota(ctx context.Context) (*QuotaInfo, error) {
	daily := a.settings.DailyLimit
	if daily <= 0 {
		daily = 2000
	}
	if a.client == nil {
		return defaultQuota(daily), nil
	}

	out, err := a.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil || out.SendQuota == nil {
		return defaultQuota(daily), nil
	}

	max := int(out.SendQuota.Max24HourSend)
	used := int(out.SendQuota.SentLast24Hours)
	return &QuotaInfo{
		Daily:     max,
		Hourly:    int(out.SendQuota.MaxSendRate * 3600),
		Used:      used,
		Remaining: max - used,
		ResetAt:   nextMidnightUTC(),
	}, nil
}

// snsEnvelope is the SNS delivery wrapper around SES event payloads.
type snsEnvelope struct {
	Type             string `json:"Type"`
	MessageId        string `json:"MessageId"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL"`
}

// ParseWebhook unwraps an SNS notification and extracts the SES event.
// Subscription confirmation handshakes are handled by the ingestion
// layer before parsing.
func (a *SESAdapter) ParseWebhook(payload []byte) (*Event, error) {
	var envelope snsEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("parse sns envelope: %w", err)
	}

	inner := envelope.Message
	if inner == "" {
		// Bare SES event without the SNS wrapper.
		inner = string(payload)
	}

	var notification struct {
		NotificationType string `json:"notificationType"`
		EventType        string `json:"eventType"`
		Mail             struct {
			MessageID   string   `json:"messageId"`
			Timestamp   string   `json:"timestamp"`
			Destination []string `json:"destination"`
		} `json:"mail"`
	}
	if err := json.Unmarshal([]byte(inner), &notification); err != nil {
		return nil, fmt.Errorf("parse ses notification: %w", err)
	}

	rawType := notification.NotificationType
	if rawType == "" {
		rawType = notification.EventType
	}

	ts, err := time.Parse(time.RFC3339, notification.Mail.Timestamp)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, envelope.Timestamp); err != nil {
			ts = time.Now()
		}
	}

	recipient := ""
	if len(notification.Mail.Destination) > 0 {
		recipient = notification.Mail.Destination[0]
	}

	var data map[string]any
	json.Unmarshal([]byte(inner), &data)

	return &Event{
		RawType:   rawType,
		MessageID: notification.Mail.MessageID,
		Timestamp: ts.UTC(),
		Recipient: recipient,
		Data:      data,
	}, nil
}

// VerifyWebhookSignature verifies the SNS message signature: SHA1/RSA
// over the canonical string, with the certificate fetched from the
// SigningCertURL (restricted to amazonaws.com over HTTPS). An empty
// signature argument falls back to the envelope's own Signature field.
func (a *SESAdapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	var envelope snsEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return false
	}
	if signature == "" {
		signature = envelope.Signature
	}
	if signature == "" || envelope.SigningCertURL == "" {
		return false
	}

	certURL, err := url.Parse(envelope.SigningCertURL)
	if err != nil || certURL.Scheme != "https" || !strings.HasSuffix(certURL.Hostname(), ".amazonaws.com") {
		return false
	}

	resp, err := a.httpc.Get(envelope.SigningCertURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	certPEM, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha1.Sum([]byte(snsCanonicalString(&envelope)))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig) == nil
}

// snsCanonicalString builds the signed string for an SNS message in
// the field order AWS specifies. Absent fields are skipped.
func snsCanonicalString(e *snsEnvelope) string {
	var b strings.Builder
	add := func(name, value string) {
		if value != "" {
			b.WriteString(name + "\n" + value + "\n")
		}
	}
	add("Message", e.Message)
	add("MessageId", e.MessageId)
	add("Subject", e.Subject)
	if e.Type == "SubscriptionConfirmation" || e.Type == "UnsubscribeConfirmation" {
		add("SubscribeURL", e.SubscribeURL)
	}
	add("Timestamp", e.Timestamp)
	add("TopicArn", e.TopicArn)
	add("Type", e.Type)
	return b.String()
}
