package webhook

import (
	"fmt"

	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/provider"
)

// Normalizer turns a raw provider callback body into a canonical
// event. Parsing is delegated to the credential-less adapter for the
// backend; classification happens here.
type Normalizer struct {
	registry *provider.Registry
}

// NewNormalizer creates a normalizer over the adapter registry.
func NewNormalizer(registry *provider.Registry) *Normalizer {
	return &Normalizer{registry: registry}
}

// VerifySignature checks the payload signature when one was presented,
// or when enforce is set and the backend embeds its own. The signature
// covers the raw body exactly as the backend posted it, so this runs
// over the full payload before any batch splitting. A bad signature
// returns ErrBadSignature and the payload is dropped unprocessed.
func (n *Normalizer) VerifySignature(backend domain.BackendType, payload []byte, signature string, enforce bool) error {
	adapter, err := n.registry.WebhookAdapter(backend)
	if err != nil {
		return err
	}
	if (signature != "" || enforce) && !adapter.VerifyWebhookSignature(payload, signature) {
		return domain.ErrBadSignature
	}
	return nil
}

// Normalize parses a single-event payload and classifies it. The
// payload's signature must already have been verified.
func (n *Normalizer) Normalize(backend domain.BackendType, payload []byte) (*domain.CanonicalEvent, error) {
	adapter, err := n.registry.WebhookAdapter(backend)
	if err != nil {
		return nil, err
	}

	event, err := adapter.ParseWebhook(payload)
	if err != nil {
		return nil, fmt.Errorf("parse %s webhook: %w", backend, err)
	}

	return &domain.CanonicalEvent{
		Type:      Classify(event.RawType),
		MessageID: event.MessageID,
		Timestamp: event.Timestamp.UTC(),
		Recipient: event.Recipient,
		Data:      event.Data,
	}, nil
}
