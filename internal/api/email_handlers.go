package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/pkg/httputil"
)

// EnqueueRequest is the payload for queuing one message. Either direct
// content (subject + html_body) or a template reference must be given;
// template rendering happens here, never in the send path.
type EnqueueRequest struct {
	AccountID   uuid.UUID           `json:"account_id"`
	To          []string            `json:"to"`
	CC          []string            `json:"cc,omitempty"`
	BCC         []string            `json:"bcc,omitempty"`
	Subject     string              `json:"subject,omitempty"`
	HTMLBody    string              `json:"html_body,omitempty"`
	TextBody    string              `json:"text_body,omitempty"`
	TemplateID  *uuid.UUID          `json:"template_id,omitempty"`
	Variables   map[string]any      `json:"variables,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Priority    domain.Priority     `json:"priority,omitempty"`
	ScheduledAt *time.Time          `json:"scheduled_at,omitempty"`
	MaxRetries  int                 `json:"max_retries,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

func (h *Handlers) buildItem(r *http.Request, req *EnqueueRequest) (*domain.QueueItem, error) {
	if _, err := h.store.GetAccount(r.Context(), req.AccountID); err != nil {
		return nil, err
	}

	item := &domain.QueueItem{
		AccountID:   req.AccountID,
		To:          req.To,
		CC:          req.CC,
		BCC:         req.BCC,
		Subject:     req.Subject,
		HTMLBody:    req.HTMLBody,
		TextBody:    req.TextBody,
		TemplateID:  req.TemplateID,
		Attachments: req.Attachments,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  req.MaxRetries,
		Metadata:    req.Metadata,
	}

	if req.TemplateID != nil {
		tpl, err := h.store.GetTemplate(r.Context(), *req.TemplateID)
		if err != nil {
			return nil, err
		}
		rendered, err := h.templates.Render(tpl, req.Variables)
		if err != nil {
			return nil, err
		}
		item.Subject = rendered.Subject
		item.HTMLBody = rendered.HTMLBody
		item.TextBody = rendered.TextBody
	}

	return item, nil
}

// EnqueueEmail queues one message for dispatch.
func (h *Handlers) EnqueueEmail(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	item, err := h.buildItem(r, &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.queue.Enqueue(r.Context(), item); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.Created(w, item)
}

// BulkEnqueueRequest queues many messages in one call. Items with
// invalid recipients or empty bodies are skipped, not fatal.
type BulkEnqueueRequest struct {
	Emails []EnqueueRequest `json:"emails"`
}

// EnqueueBulk queues a batch of messages.
func (h *Handlers) EnqueueBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkEnqueueRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Emails) == 0 {
		httputil.BadRequest(w, "emails is empty")
		return
	}

	items := make([]*domain.QueueItem, 0, len(req.Emails))
	for i := range req.Emails {
		item, err := h.buildItem(r, &req.Emails[i])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		items = append(items, item)
	}

	count, err := h.queue.EnqueueBulk(r.Context(), items)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, map[string]any{
		"queued":    count,
		"submitted": len(req.Emails),
	})
}

// GetEmail returns a queue item's current state.
func (h *Handlers) GetEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	item, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.OK(w, item)
}

// CancelEmail cancels a pending queue item.
func (h *Handlers) CancelEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "cancelled"})
}

// GetDelivery returns the delivery log for a queue item.
func (h *Handlers) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	logRow, err := h.store.GetDeliveryLogByQueueID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.OK(w, logRow)
}

// GetDeliveryWebhooks returns the audit trail for a delivery log.
func (h *Handlers) GetDeliveryWebhooks(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	records, err := h.store.ListWebhookRecords(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"records": records, "count": len(records)})
}
