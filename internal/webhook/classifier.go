// Package webhook receives provider callbacks, normalizes them onto
// the canonical event taxonomy, and reconciles them into delivery
// logs. Every normalized event is also appended to an immutable audit
// trail regardless of whether it changed anything.
package webhook

import (
	"strings"

	"github.com/relaymail/dispatch/internal/domain"
)

// classifyRule maps a provider event substring to a canonical type.
// Rules are checked in order; the first match wins.
type classifyRule struct {
	substr string
	event  domain.EventType
}

// Providers disagree on event naming ("delivered", "email.delivered",
// "Delivery", "message_delivered"). Substring matching over the
// lowercased raw type absorbs the variation without per-provider
// tables.
var classifyRules = []classifyRule{
	{"deliver", domain.EventDelivered},
	{"open", domain.EventOpened},
	{"click", domain.EventClicked},
	{"bounce", domain.EventBounced},
	{"complain", domain.EventComplained},
	{"spam", domain.EventComplained},
	{"unsubscribe", domain.EventUnsubscribed},
}

// Classify maps a provider's raw event type onto the canonical
// taxonomy. Unrecognized types classify as delivered so an unknown
// but received callback never downgrades a message's state.
func Classify(rawType string) domain.EventType {
	lower := strings.ToLower(rawType)
	for _, rule := range classifyRules {
		if strings.Contains(lower, rule.substr) {
			return rule.event
		}
	}
	return domain.EventDelivered
}
