package webhook

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymail/dispatch/internal/provider"
	"github.com/relaymail/dispatch/internal/store"
)

func newTestHandler(t *testing.T, settings provider.Settings) (*Handler, sqlmock.Sqlmock, *httptest.Server) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := provider.NewRegistry(settings)
	h := NewHandler(NewNormalizer(registry), NewReconciler(store.NewStore(db)))

	r := chi.NewRouter()
	h.Routes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return h, mock, server
}

func TestHandlerValidationTokenEcho(t *testing.T) {
	_, _, server := newTestHandler(t, provider.Settings{})

	resp, err := http.Get(server.URL + "/webhooks/outlook?validationToken=tok-123")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "tok-123", string(body))
}

func TestHandlerPostValidationToken(t *testing.T) {
	_, _, server := newTestHandler(t, provider.Settings{})

	resp, err := http.Post(server.URL+"/webhooks/outlook?validationToken=tok-456", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tok-456", string(body))
}

func TestHandlerUnknownBackend(t *testing.T) {
	_, _, server := newTestHandler(t, provider.Settings{})

	resp, err := http.Post(server.URL+"/webhooks/pigeon", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerSendGridBatch(t *testing.T) {
	_, mock, server := newTestHandler(t, provider.Settings{})

	// Two events, neither matching a known delivery log: both are
	// skipped but still count as processed.
	mock.ExpectQuery(`FROM delivery_logs WHERE message_id`).
		WithArgs("sg-1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM delivery_logs WHERE message_id`).
		WithArgs("sg-2").WillReturnError(sql.ErrNoRows)

	payload := `[
		{"event":"delivered","sg_message_id":"sg-1","email":"a@example.com","timestamp":1756713600},
		{"event":"open","sg_message_id":"sg-2","email":"b@example.com","timestamp":1756713601}
	]`
	resp, err := http.Post(server.URL+"/webhooks/sendgrid", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())

	stats, err := http.Get(server.URL + "/webhooks/stats")
	require.NoError(t, err)
	defer stats.Body.Close()
	body, _ := io.ReadAll(stats.Body)
	assert.Contains(t, string(body), `"processed":2`)
	assert.Contains(t, string(body), `"received":1`)
}

func TestHandlerSendGridSignedBatchAccepted(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	settings := provider.Settings{SendGrid: provider.SendGridSettings{WebhookPublicKey: string(pubPEM)}}
	_, mock, server := newTestHandler(t, settings)

	mock.ExpectQuery(`FROM delivery_logs WHERE message_id`).
		WithArgs("sg-signed-1").WillReturnError(sql.ErrNoRows)

	// The signature covers the whole array body as posted, including
	// the brackets around the single event.
	payload := `[{"event":"open","sg_message_id":"sg-signed-1","email":"a@example.com","timestamp":1756713600}]`
	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	req, _ := http.NewRequest("POST", server.URL+"/webhooks/sendgrid", strings.NewReader(payload))
	req.Header.Set("X-Twilio-Email-Event-Webhook-Signature", base64.StdEncoding.EncodeToString(sig))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	// No public key configured: any presented signature is rejected.
	_, _, server := newTestHandler(t, provider.Settings{})

	req, _ := http.NewRequest("POST", server.URL+"/webhooks/sendgrid", strings.NewReader(`[{"event":"delivered"}]`))
	req.Header.Set("X-Twilio-Email-Event-Webhook-Signature", "bogus")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerEnforcesEmbeddedSignatures(t *testing.T) {
	h, _, server := newTestHandler(t, provider.Settings{})
	h.EnforceSignatures = true

	// Mailgun embeds its signature in the body; an unsigned payload is
	// rejected outright in enforcing mode.
	payload := `{"event-data":{"event":"delivered","message":{"headers":{"message-id":"mg-1"}}}}`
	resp, err := http.Post(server.URL+"/webhooks/mailgun", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerOutlookClientState(t *testing.T) {
	settings := provider.Settings{Outlook: provider.OutlookSettings{ClientState: "secret"}}
	_, mock, server := newTestHandler(t, settings)

	mock.ExpectQuery(`FROM delivery_logs WHERE message_id`).
		WithArgs("msg-ol-1").WillReturnError(sql.ErrNoRows)

	payload := `{"value":[{"changeType":"created","resourceData":{"id":"msg-ol-1"}}]}`

	req, _ := http.NewRequest("POST", server.URL+"/webhooks/outlook", strings.NewReader(payload))
	req.Header.Set("ClientState", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest("POST", server.URL+"/webhooks/outlook", strings.NewReader(payload))
	req.Header.Set("ClientState", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSplitEvents(t *testing.T) {
	parts := splitEvents("sendgrid", []byte(`[{"a":1},{"b":2}]`))
	require.Len(t, parts, 2)
	assert.JSONEq(t, `{"a":1}`, string(parts[0]))

	parts = splitEvents("mailgun", []byte(`{"a":1}`))
	require.Len(t, parts, 1)

	// Malformed arrays fall through as one payload.
	parts = splitEvents("sendgrid", []byte(`[truncated`))
	require.Len(t, parts, 1)
}
