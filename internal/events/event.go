// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"careline_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Call-Event Domain Events
// =============================================================================

// CallResolved is published when a call event has been attached to a
// household and care recipient and persisted.
type CallResolved struct {
	BaseEvent
	ProviderCallID string    `json:"providerCallId"`
	HouseholdID    uuid.UUID `json:"householdId"`
	RecipientID    uuid.UUID `json:"recipientId"`
	CallKind       string    `json:"callKind"`
	Outcome        string    `json:"outcome"`
	LowConfidence  bool      `json:"lowConfidence"`
}

func (e CallResolved) EventName() string { return "callevents.call.resolved" }

// CallUnresolved is published when the resolution chain is exhausted and the
// delivery was recorded in the audit trail only.
type CallUnresolved struct {
	BaseEvent
	AuditID        uuid.UUID `json:"auditId"`
	ProviderCallID string    `json:"providerCallId"`
	CallKind       string    `json:"callKind"`
}

func (e CallUnresolved) EventName() string { return "callevents.call.unresolved" }

// CallIdentityAmbiguous is published when a phone number maps to multiple
// care recipients without corroboration; the delivery is flagged for
// manual review.
type CallIdentityAmbiguous struct {
	BaseEvent
	AuditID        uuid.UUID `json:"auditId"`
	ProviderCallID string    `json:"providerCallId"`
	CalleePhone    string    `json:"calleePhone"`
	MatchCount     int       `json:"matchCount"`
}

func (e CallIdentityAmbiguous) EventName() string { return "callevents.call.identity_ambiguous" }

// CallAudioAttached is published when a follow-up audio delivery is attached
// to an existing call log.
type CallAudioAttached struct {
	BaseEvent
	ProviderCallID string `json:"providerCallId"`
	AudioURL       string `json:"audioUrl"`
}

func (e CallAudioAttached) EventName() string { return "callevents.call.audio_attached" }
