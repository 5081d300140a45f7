package provider

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymail/dispatch/internal/domain"
)

func newTestSendGrid(server *httptest.Server) *SendGridAdapter {
	a := NewSendGridAdapter(Credentials{"apiKey": "sg-test-key"}, SendGridSettings{})
	a.baseURL = server.URL
	return a
}

func TestSendGridSend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "Hello", payload["subject"])
		personalizations := payload["personalizations"].([]any)
		require.Len(t, personalizations, 1)

		w.Header().Set("X-Message-Id", "sg-msg-001")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	adapter := newTestSendGrid(server)
	result, err := adapter.Send(context.Background(), &Message{
		From:     "sender@example.com",
		To:       []string{"alice@example.com"},
		Subject:  "Hello",
		HTMLBody: "<p>Hi</p>",
		TextBody: "Hi",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "sg-msg-001", result.MessageID)
	assert.Equal(t, domain.BackendSendGrid, result.Backend)
}

func TestSendGridSendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errors":[{"message":"access forbidden"}]}`))
	}))
	defer server.Close()

	adapter := newTestSendGrid(server)
	result, err := adapter.Send(context.Background(), &Message{
		From: "s@example.com", To: []string{"a@example.com"},
		Subject: "x", HTMLBody: "<p>x</p>",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "403")
}

func TestSendGridSendBulk(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Len(t, payload["personalizations"].([]any), 2)
		w.Header().Set("X-Message-Id", "sg-batch-001")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	adapter := newTestSendGrid(server)
	msgs := []*Message{
		{From: "s@example.com", To: []string{"a@example.com"}, Subject: "x", HTMLBody: "<p>x</p>"},
		{From: "s@example.com", To: []string{"b@example.com"}, Subject: "x", HTMLBody: "<p>x</p>"},
	}
	results := adapter.SendBulk(context.Background(), msgs)
	require.Len(t, results, 2)
	assert.Equal(t, 1, calls)
	for _, res := range results {
		assert.True(t, res.Success)
		assert.Equal(t, "sg-batch-001", res.MessageID)
	}
}

func TestSendGridParseWebhookArray(t *testing.T) {
	payload := []byte(`[{
		"event": "click",
		"sg_message_id": "sg-msg-001",
		"email": "alice@example.com",
		"timestamp": 1756713600,
		"url": "https://example.com/offer"
	}]`)

	adapter := NewSendGridAdapter(Credentials{}, SendGridSettings{})
	event, err := adapter.ParseWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, "click", event.RawType)
	assert.Equal(t, "sg-msg-001", event.MessageID)
	assert.Equal(t, "alice@example.com", event.Recipient)
}

func TestSendGridVerifyWebhookSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	payload := []byte(`[{"event":"delivered"}]`)
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	signature := base64.StdEncoding.EncodeToString(sig)

	adapter := NewSendGridAdapter(Credentials{}, SendGridSettings{WebhookPublicKey: pubPEM})
	assert.True(t, adapter.VerifyWebhookSignature(payload, signature))
	assert.False(t, adapter.VerifyWebhookSignature([]byte(`[{"event":"tampered"}]`), signature))

	// Without a configured key every signature is rejected.
	bare := NewSendGridAdapter(Credentials{}, SendGridSettings{})
	assert.False(t, bare.VerifyWebhookSignature(payload, signature))
}
