package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPSendWithoutHost(t *testing.T) {
	adapter := NewSMTPAdapter(Credentials{}, SMTPSettings{})
	result, err := adapter.Send(context.Background(), &Message{
		From: "s@example.com", To: []string{"a@example.com"},
		Subject: "x", HTMLBody: "<p>x</p>",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not configured")
}

func TestSMTPCredentialDefaults(t *testing.T) {
	adapter := NewSMTPAdapter(Credentials{"host": "mail.example.com"}, SMTPSettings{})
	assert.Equal(t, "mail.example.com:587", adapter.addr())

	adapter = NewSMTPAdapter(Credentials{"host": "mail.example.com", "port": float64(465), "secure": true}, SMTPSettings{})
	assert.Equal(t, "mail.example.com:465", adapter.addr())
	assert.True(t, adapter.secure)
}

func TestSMTPParseWebhook(t *testing.T) {
	adapter := NewSMTPAdapter(Credentials{}, SMTPSettings{})
	_, err := adapter.ParseWebhook([]byte(`{}`))
	assert.Error(t, err)
	assert.False(t, adapter.VerifyWebhookSignature(nil, ""))
}
