package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/pkg/httputil"
	"github.com/relaymail/dispatch/internal/provider"
)

// CreateAccountRequest registers a new sending account. Credentials
// arrive in the clear over TLS and are encrypted before storage.
type CreateAccountRequest struct {
	UserID      uuid.UUID          `json:"user_id"`
	Backend     domain.BackendType `json:"backend"`
	Email       string             `json:"email"`
	DisplayName string             `json:"display_name,omitempty"`
	Credentials map[string]any     `json:"credentials"`
	DailyQuota  int                `json:"daily_quota,omitempty"`
	HourlyQuota int                `json:"hourly_quota,omitempty"`
}

// CreateAccount registers a sending account.
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	if !req.Backend.Valid() {
		writeDomainError(w, domain.ErrUnsupportedBackend)
		return
	}
	if !domain.ValidEmail(req.Email) {
		httputil.BadRequest(w, "invalid email address")
		return
	}
	if !provider.ValidateCredentials(req.Backend, provider.Credentials(req.Credentials)) {
		writeDomainError(w, domain.ErrInvalidCredentials)
		return
	}

	blob, err := h.cipher.Encrypt(req.Credentials)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	if req.DailyQuota <= 0 {
		req.DailyQuota = 500
	}

	account := &domain.Account{
		UserID:      req.UserID,
		Backend:     req.Backend,
		Email:       domain.NormalizeEmail(req.Email),
		DisplayName: req.DisplayName,
		Credentials: blob,
		Quota:       domain.Quota{Daily: req.DailyQuota, Hourly: req.HourlyQuota},
		Status:      domain.AccountActive,
	}
	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, account)
}

// GetAccount returns an account without its credential blob.
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.OK(w, account)
}

// VerifyAccount checks the account's credentials against the backend.
func (h *Handlers) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	valid, err := h.verifier.VerifyAccount(r.Context(), id)
	if err != nil && !valid {
		writeDomainError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"valid": valid})
}

// GetAccountQuota reports the remaining daily budget.
func (h *Handlers) GetAccountQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"daily":     account.Quota.Daily,
		"used":      account.Quota.Used,
		"remaining": account.Quota.Remaining(),
		"reset_at":  account.Quota.ResetAt,
	})
}

// GetAccountAnalytics returns delivery aggregates for one account.
func (h *Handlers) GetAccountAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	summary, err := h.store.AccountAnalytics(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.OK(w, summary)
}
