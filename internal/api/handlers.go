// Package api exposes the dispatch system over HTTP: enqueue and
// inspect messages, manage accounts and templates, and administer the
// queue.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/dispatch"
	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/pkg/httputil"
	"github.com/relaymail/dispatch/internal/queue"
	"github.com/relaymail/dispatch/internal/quota"
	"github.com/relaymail/dispatch/internal/secrets"
	"github.com/relaymail/dispatch/internal/store"
	"github.com/relaymail/dispatch/internal/template"
)

// Handlers carries the service dependencies for all API endpoints.
type Handlers struct {
	store     *store.Store
	queue     *queue.Queue
	quotas    *quota.Manager
	templates *template.Service
	verifier  *dispatch.Verifier
	cipher    *secrets.Cipher
}

// NewHandlers wires the API handlers.
func NewHandlers(st *store.Store, q *queue.Queue, qm *quota.Manager,
	ts *template.Service, v *dispatch.Verifier, cipher *secrets.Cipher) *Handlers {
	return &Handlers{store: st, queue: q, quotas: qm, templates: ts, verifier: v, cipher: cipher}
}

// HealthCheck reports liveness plus database reachability.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.DB().PingContext(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, map[string]any{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeDomainError maps domain sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, domain.ErrNoRecipients),
		errors.Is(err, domain.ErrInvalidRecipient),
		errors.Is(err, domain.ErrEmptyBody),
		errors.Is(err, domain.ErrInvalidCredentials),
		errors.Is(err, domain.ErrUnsupportedBackend),
		errors.Is(err, domain.ErrMissingVariables):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrNotCancellable),
		errors.Is(err, domain.ErrAccountNotActive),
		errors.Is(err, domain.ErrTemplateInactive):
		httputil.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrQuotaExceeded):
		httputil.Error(w, http.StatusTooManyRequests, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// urlUUID parses a UUID path parameter, writing a 400 on failure.
func urlUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httputil.BadRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
