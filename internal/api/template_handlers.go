package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/pkg/httputil"
	"github.com/relaymail/dispatch/internal/template"
)

// CreateTemplateRequest registers a reusable Liquid template. Declared
// variables are extracted from the sources automatically.
type CreateTemplateRequest struct {
	AccountID *uuid.UUID `json:"account_id,omitempty"`
	Name      string     `json:"name"`
	Subject   string     `json:"subject"`
	HTMLBody  string     `json:"html_body"`
	TextBody  string     `json:"text_body,omitempty"`
}

// CreateTemplate stores a template after a compile check.
func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Subject == "" || req.HTMLBody == "" {
		httputil.BadRequest(w, "name, subject and html_body are required")
		return
	}
	for _, src := range []string{req.Subject, req.HTMLBody, req.TextBody} {
		if err := h.templates.Parse(src); err != nil {
			httputil.BadRequest(w, "template syntax error: "+err.Error())
			return
		}
	}

	tpl := &domain.Template{
		AccountID: req.AccountID,
		Name:      req.Name,
		Subject:   req.Subject,
		HTMLBody:  req.HTMLBody,
		TextBody:  req.TextBody,
		Variables: template.ExtractVariables(req.Subject, req.HTMLBody, req.TextBody),
		Active:    true,
	}
	if err := h.store.CreateTemplate(r.Context(), tpl); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, tpl)
}

// GetTemplate returns a stored template.
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	tpl, err := h.store.GetTemplate(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.OK(w, tpl)
}

// PreviewTemplateRequest renders a stored template without enqueueing.
type PreviewTemplateRequest struct {
	Variables map[string]any `json:"variables"`
}

// PreviewTemplate renders a template against sample variables.
func (h *Handlers) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	var req PreviewTemplateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	tpl, err := h.store.GetTemplate(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rendered, err := h.templates.Render(tpl, req.Variables)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.OK(w, map[string]string{
		"subject":   rendered.Subject,
		"html_body": rendered.HTMLBody,
		"text_body": rendered.TextBody,
	})
}
