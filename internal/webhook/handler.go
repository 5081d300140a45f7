package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/pkg/httputil"
)

const maxPayloadBytes = 1 << 20

// Handler is the inbound webhook endpoint. One route per backend;
// providers retry on non-2xx, so processing errors other than a bad
// signature still return 200 after being logged.
type Handler struct {
	normalizer *Normalizer
	reconciler *Reconciler

	// EnforceSignatures rejects unsigned payloads on backends that
	// embed their signature in the body (SES via SNS, Mailgun).
	EnforceSignatures bool

	received  int64
	rejected  int64
	processed int64
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(normalizer *Normalizer, reconciler *Reconciler) *Handler {
	return &Handler{normalizer: normalizer, reconciler: reconciler}
}

// Routes mounts the webhook endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{backend}", h.handleWebhook)
	r.Get("/webhooks/{backend}", h.handleValidation)
	r.Get("/webhooks/stats", h.handleStats)
}

// handleValidation answers provider endpoint-validation probes.
// Microsoft Graph sends a GET with validationToken and expects the
// token echoed back as plain text.
func (h *Handler) handleValidation(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		return
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	backend := domain.BackendType(chi.URLParam(r, "backend"))
	if !backend.Valid() {
		httputil.NotFound(w, "unknown backend")
		return
	}

	// Graph also validates by POSTing with the token before the first
	// real notification.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		httputil.BadRequest(w, "unreadable payload")
		return
	}
	atomic.AddInt64(&h.received, 1)

	if backend == domain.BackendSES && h.confirmSubscription(payload) {
		httputil.OK(w, map[string]string{"status": "subscription confirmed"})
		return
	}

	signature := signatureHeader(backend, r)
	enforce := h.EnforceSignatures && embedsSignature(backend)

	// The signature covers the payload as posted, so it is checked once
	// here; splitting a signed batch first would verify bytes that were
	// never signed.
	if err := h.normalizer.VerifySignature(backend, payload, signature, enforce); err != nil {
		atomic.AddInt64(&h.rejected, 1)
		if errors.Is(err, domain.ErrBadSignature) {
			httputil.Error(w, http.StatusUnauthorized, "invalid signature")
		} else {
			httputil.NotFound(w, "unknown backend")
		}
		return
	}

	for _, body := range splitEvents(backend, payload) {
		event, err := h.normalizer.Normalize(backend, body)
		if err != nil {
			log.Printf("[Webhook] %s normalize error: %v", backend, err)
			continue
		}
		if err := h.reconciler.Apply(r.Context(), backend, event, body); err != nil {
			log.Printf("[Webhook] %s apply error: %v", backend, err)
			continue
		}
		atomic.AddInt64(&h.processed, 1)
	}

	httputil.OK(w, map[string]string{"status": "accepted"})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]int64{
		"received":  atomic.LoadInt64(&h.received),
		"rejected":  atomic.LoadInt64(&h.rejected),
		"processed": atomic.LoadInt64(&h.processed),
	})
}

// confirmSubscription completes the SNS topic handshake by fetching
// the SubscribeURL. Returns true when the payload was a confirmation
// request, handled or not.
func (h *Handler) confirmSubscription(payload []byte) bool {
	var envelope struct {
		Type         string `json:"Type"`
		SubscribeURL string `json:"SubscribeURL"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return false
	}
	if envelope.Type != "SubscriptionConfirmation" {
		return false
	}
	if envelope.SubscribeURL == "" {
		return true
	}
	resp, err := http.Get(envelope.SubscribeURL)
	if err != nil {
		log.Printf("[Webhook] SNS subscription confirm failed: %v", err)
		return true
	}
	resp.Body.Close()
	log.Printf("[Webhook] SNS subscription confirmed (%d)", resp.StatusCode)
	return true
}

// signatureHeader extracts the backend's detached signature header.
// SES and Mailgun embed signatures in the payload instead.
func signatureHeader(backend domain.BackendType, r *http.Request) string {
	switch backend {
	case domain.BackendSendGrid:
		return r.Header.Get("X-Twilio-Email-Event-Webhook-Signature")
	case domain.BackendOutlook:
		return r.Header.Get("ClientState")
	default:
		return ""
	}
}

func embedsSignature(backend domain.BackendType) bool {
	return backend == domain.BackendSES || backend == domain.BackendMailgun
}

// splitEvents breaks batched payloads into individual events. SendGrid
// always posts a JSON array; everything else posts one event at a time.
func splitEvents(backend domain.BackendType, payload []byte) [][]byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return [][]byte{payload}
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return [][]byte{payload}
	}
	out := make([][]byte, 0, len(parts))
	for _, p := range parts {
		out = append(out, []byte(p))
	}
	return out
}
