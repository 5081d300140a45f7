package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/pkg/logger"
	"github.com/relaymail/dispatch/internal/store"
)

// Reconciler applies canonical events to delivery logs and writes the
// audit trail. An event for an unknown message ID is a logged no-op,
// never an error: callbacks can outlive their retention window or
// arrive for messages sent outside this system.
type Reconciler struct {
	store *store.Store
}

// NewReconciler creates a reconciler over the store.
func NewReconciler(st *store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// Apply merges one canonical event into its delivery log and appends
// the audit record. The audit row is written even when the log is
// already terminal or the event changed nothing.
func (r *Reconciler) Apply(ctx context.Context, backend domain.BackendType, event *domain.CanonicalEvent, rawPayload []byte) error {
	logRow, err := r.store.GetDeliveryLogByMessageID(ctx, event.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("[Webhook] %s %s event for unknown message %q (recipient %s), skipping",
				backend, event.Type, event.MessageID, logger.RedactEmail(event.Recipient))
			return nil
		}
		return err
	}

	at := event.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch event.Type {
	case domain.EventDelivered:
		_, err = r.store.ApplyDelivered(ctx, event.MessageID, at)
	case domain.EventOpened:
		ip, _ := event.Data["ip"].(string)
		ua, _ := event.Data["user_agent"].(string)
		_, err = r.store.ApplyOpened(ctx, event.MessageID, at, ip, ua)
	case domain.EventClicked:
		_, err = r.store.ApplyClicked(ctx, event.MessageID, at)
	case domain.EventBounced:
		reason, _ := event.Data["reason"].(string)
		_, err = r.store.ApplyBounced(ctx, event.MessageID, at, reason)
	case domain.EventComplained:
		_, err = r.store.ApplyComplained(ctx, event.MessageID)
	case domain.EventUnsubscribed:
		// Recorded in the audit trail only; no delivery log transition.
	default:
		return fmt.Errorf("unhandled event type %q", event.Type)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", event.Type, err)
	}

	payload := json.RawMessage(rawPayload)
	if len(payload) == 0 {
		payload, _ = json.Marshal(event)
	}
	record := &domain.WebhookRecord{
		DeliveryLogID: logRow.ID,
		Backend:       backend,
		EventType:     event.Type,
		Payload:       payload,
		ProcessedAt:   time.Now().UTC(),
	}
	if err := r.store.AppendWebhookRecord(ctx, record); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}
