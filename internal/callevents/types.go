package callevents

import (
	"time"

	"github.com/google/uuid"
)

// Audit outcomes recorded on every signature-valid delivery.
const (
	AuditAccepted   = "accepted"
	AuditUnresolved = "unresolved"
	AuditAmbiguous  = "ambiguous"
	AuditOrphan     = "orphan_audio"
	AuditMalformed  = "malformed"
)

// AuditRecord is one row of the append-only webhook audit log. It is written
// for every signature-valid delivery regardless of resolution outcome and is
// never mutated; it is the durable source of truth for reconciliation.
type AuditRecord struct {
	ID               uuid.UUID
	ProviderCallID   string
	EventType        string
	Payload          []byte
	Outcome          string
	ResolutionSource string
	LowConfidence    bool
	Error            string
	ReceivedAt       time.Time
}

// BatchCallMapping links a scheduled outbound call to its household and care
// recipient. Created at call-scheduling time; stamped with the provider call
// ID at most once, on first successful match.
type BatchCallMapping struct {
	ID             uuid.UUID
	BatchID        string
	PhoneE164      string
	HouseholdID    uuid.UUID
	RecipientID    uuid.UUID
	ProviderCallID *string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

// CallSession links an in-app device call session to its household and care
// recipient. Created at session-scheduling time; read-only to this engine.
type CallSession struct {
	ID          uuid.UUID
	SessionID   string
	HouseholdID uuid.UUID
	RecipientID uuid.UUID
	CreatedAt   time.Time
}

// CallLog is the canonical per-call outcome record, unique on
// (provider, provider_call_id). Never written without both household and
// recipient identifiers.
type CallLog struct {
	ID               uuid.UUID
	Provider         string
	ProviderCallID   string
	HouseholdID      uuid.UUID
	RecipientID      uuid.UUID
	Outcome          CallOutcome
	DurationSeconds  int
	CalleePhone      string
	BatchID          string
	ResolutionSource string
	LowConfidence    bool
	AudioURL         *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CallSummary is the derived analysis record, unique on provider_call_id.
type CallSummary struct {
	ID             uuid.UUID
	ProviderCallID string
	HouseholdID    uuid.UUID
	RecipientID    uuid.UUID
	MoodLabel      string
	MoodScore      *int
	Criteria       CriteriaScore
	Rating         string
	Summary        string
	Notes          string
	Highlights     string
	TranscriptURL  string
	AudioURL       *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DirectoryEntry is one care recipient from the directory, used for
// phone-based last-resort resolution.
type DirectoryEntry struct {
	ID          uuid.UUID
	HouseholdID uuid.UUID
	FullName    string
	PhoneE164   string
	UpdatedAt   time.Time
}
