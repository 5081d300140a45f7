package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutlookParseWebhook(t *testing.T) {
	payload := []byte(`{
		"value": [{
			"changeType": "created",
			"resourceData": {"id": "AAMkAGI2msg001"},
			"subscriptionExpirationDateTime": "2025-09-03T12:00:00Z"
		}]
	}`)

	adapter := NewOutlookAdapter(Credentials{}, OutlookSettings{})
	event, err := adapter.ParseWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, "created", event.RawType)
	assert.Equal(t, "AAMkAGI2msg001", event.MessageID)
}

func TestOutlookParseWebhookEmpty(t *testing.T) {
	adapter := NewOutlookAdapter(Credentials{}, OutlookSettings{})
	_, err := adapter.ParseWebhook([]byte(`{"value":[]}`))
	assert.Error(t, err)
}

func TestOutlookVerifyWebhookSignature(t *testing.T) {
	adapter := NewOutlookAdapter(Credentials{}, OutlookSettings{ClientState: "shared-secret"})

	// Handshake payloads carrying a validation token always pass.
	assert.True(t, adapter.VerifyWebhookSignature([]byte(`{"validationToken":"abc"}`), ""))

	assert.True(t, adapter.VerifyWebhookSignature([]byte(`{"value":[]}`), "shared-secret"))
	assert.False(t, adapter.VerifyWebhookSignature([]byte(`{"value":[]}`), "wrong"))
}
