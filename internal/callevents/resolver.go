package callevents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"careline_backend/platform/logger"
	"careline_backend/platform/phone"

	"github.com/google/uuid"
)

// Time windows for the low-confidence fallback strategies. Both depend on
// low call volume to avoid collisions; see the resolution_source column and
// the low-confidence warning log for how that risk is surfaced.
const (
	recentSessionWindow  = 10 * time.Minute
	pendingMappingWindow = 2 * time.Hour
)

// ErrAmbiguousIdentity is returned when a phone number maps to multiple care
// recipients and nothing corroborates a single choice. The caller records
// the delivery in the audit trail only and flags it for manual review.
var ErrAmbiguousIdentity = errors.New("phone number maps to multiple care recipients")

// AmbiguousIdentityError carries the number of competing candidates along
// with the ErrAmbiguousIdentity condition.
type AmbiguousIdentityError struct {
	Matches int
}

func (e *AmbiguousIdentityError) Error() string {
	return fmt.Sprintf("phone number maps to %d care recipients", e.Matches)
}

func (e *AmbiguousIdentityError) Is(target error) bool {
	return target == ErrAmbiguousIdentity
}

// Resolution sources recorded on call logs and audit records.
const (
	SourceDirectVars       = "direct_vars"
	SourcePriorResolution  = "prior_resolution"
	SourceSessionCallLog   = "session_call_log"
	SourceSessionLookup    = "session_lookup"
	SourceRecentSession    = "recent_session"
	SourceBatchExact       = "batch_exact"
	SourceBatchPhoneWindow = "batch_phone_window"
	SourceDirectoryPhone   = "directory_phone"

	// SourceSessionStart marks the stub call log written by the scheduling
	// side when an in-app session begins. It is a seed for strategy matching,
	// not the product of a webhook resolution.
	SourceSessionStart = "session_start"
)

// ResolvedIdentity is the outcome of the resolution chain: the household and
// care recipient a call belongs to, and how that was determined.
type ResolvedIdentity struct {
	HouseholdID   uuid.UUID
	RecipientID   uuid.UUID
	Source        string
	LowConfidence bool
}

// ResolverStore is the data access the resolver needs. Methods return
// (nil, nil) when no row matches.
type ResolverStore interface {
	FindCallLog(ctx context.Context, providerCallID string) (*CallLog, error)
	GetCallSession(ctx context.Context, sessionID string) (*CallSession, error)
	LatestCallSessionSince(ctx context.Context, cutoff time.Time) (*CallSession, error)
	FindBatchMapping(ctx context.Context, batchID, phoneE164 string) (*BatchCallMapping, error)
	LatestPendingMappingByPhone(ctx context.Context, phoneE164 string, cutoff time.Time) (*BatchCallMapping, error)
	StampBatchMapping(ctx context.Context, id uuid.UUID, providerCallID string) (bool, error)
	FindRecipientsByPhone(ctx context.Context, phoneE164 string) ([]DirectoryEntry, error)
}

// strategy is one step of the ordered fallback chain. It returns (nil, nil)
// to pass the event to the next strategy.
type strategy func(ctx context.Context, ev *CallEvent) (*ResolvedIdentity, error)

// Resolver derives (household, care recipient) from a call event via an
// ordered chain of strategies; the first match wins and the chain never
// guesses under genuine ambiguity.
type Resolver struct {
	store ResolverStore
	log   *logger.Logger
	now   func() time.Time
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store ResolverStore, log *logger.Logger) *Resolver {
	return &Resolver{store: store, log: log, now: time.Now}
}

// Resolve runs the chain for the event's call kind. It returns (nil, nil)
// when every strategy abstains, and ErrAmbiguousIdentity when a strategy
// found multiple candidates without corroboration.
func (r *Resolver) Resolve(ctx context.Context, ev *CallEvent, kind CallKind) (*ResolvedIdentity, error) {
	chain := []strategy{
		r.fromDynamicVariables,
		r.fromPriorResolution,
	}
	if kind == KindDevice {
		chain = append(chain, r.fromSessionCallLog, r.fromSessionLookup, r.fromRecentSession)
	} else {
		chain = append(chain, r.fromBatchMapping, r.fromPendingMappingWindow, r.fromDirectoryPhone)
	}

	for _, next := range chain {
		identity, err := next(ctx, ev)
		if err != nil {
			return nil, err
		}
		if identity != nil {
			r.log.ResolutionEvent(ev.ProviderCallID, identity.Source, identity.LowConfidence)
			return identity, nil
		}
	}
	return nil, nil
}

// fromDynamicVariables trusts household/recipient identifiers embedded in the
// caller-supplied dynamic variables at call-initiation time.
func (r *Resolver) fromDynamicVariables(_ context.Context, ev *CallEvent) (*ResolvedIdentity, error) {
	householdRaw := ev.DynamicVariables["household_id"]
	recipientRaw := ev.DynamicVariables["recipient_id"]
	if householdRaw == "" || recipientRaw == "" {
		return nil, nil
	}

	householdID, err := uuid.Parse(householdRaw)
	if err != nil {
		return nil, nil
	}
	recipientID, err := uuid.Parse(recipientRaw)
	if err != nil {
		return nil, nil
	}

	return &ResolvedIdentity{
		HouseholdID: householdID,
		RecipientID: recipientID,
		Source:      SourceDirectVars,
	}, nil
}

// fromPriorResolution reuses the resolution of an earlier delivery of the
// same provider call. This guards against re-deriving differently, and
// against a later partial event regressing a resolved record.
func (r *Resolver) fromPriorResolution(ctx context.Context, ev *CallEvent) (*ResolvedIdentity, error) {
	log, err := r.store.FindCallLog(ctx, ev.ProviderCallID)
	if err != nil {
		return nil, err
	}
	if log == nil || log.ResolutionSource == SourceSessionStart {
		return nil, nil
	}
	return &ResolvedIdentity{
		HouseholdID: log.HouseholdID,
		RecipientID: log.RecipientID,
		Source:      SourcePriorResolution,
	}, nil
}

// fromSessionCallLog matches the provider call ID against an in-app call log
// written at session start.
func (r *Resolver) fromSessionCallLog(ctx context.Context, ev *CallEvent) (*ResolvedIdentity, error) {
	log, err := r.store.FindCallLog(ctx, ev.ProviderCallID)
	if err != nil || log == nil {
		return nil, err
	}
	if log.Provider != ProviderDevice {
		return nil, nil
	}
	return &ResolvedIdentity{
		HouseholdID: log.HouseholdID,
		RecipientID: log.RecipientID,
		Source:      SourceSessionCallLog,
	}, nil
}

// fromSessionLookup extracts a session ID from the event and looks up the
// corresponding call session.
func (r *Resolver) fromSessionLookup(ctx context.Context, ev *CallEvent) (*ResolvedIdentity, error) {
	if ev.SessionID == "" {
		return nil, nil
	}
	session, err := r.store.GetCallSession(ctx, ev.SessionID)
	if err != nil || session == nil {
		return nil, err
	}
	return &ResolvedIdentity{
		HouseholdID: session.HouseholdID,
		RecipientID: session.RecipientID,
		Source:      SourceSessionLookup,
	}, nil
}

// fromRecentSession is the in-app last resort: the most recently created
// session within a trailing window. Explicitly low-confidence.
func (r *Resolver) fromRecentSession(ctx context.Context, ev *CallEvent) (*ResolvedIdentity, error) {
	session, err := r.store.LatestCallSessionSince(ctx, r.now().Add(-recentSessionWindow))
	if err != nil || session == nil {
		return nil, err
	}
	return &ResolvedIdentity{
		HouseholdID:   session.HouseholdID,
		RecipientID:   session.RecipientID,
		Source:        SourceRecentSession,
		LowConfidence: true,
	}, nil
}

// fromBatchMapping matches (batchId, phone) exactly against a mapping created
// at call-scheduling time, stamping it on hit (first write wins).
func (r *Resolver) fromBatchMapping(ctx context.Context, ev *CallEvent) (*ResolvedIdentity, error) {
	if ev.BatchID == "" || ev.CalleePhone == "" {
		return nil, nil
	}
	mapping, err := r.store.FindBatchMapping(ctx, ev.BatchID, phone.NormalizeE164(ev.CalleePhone))
	if err != nil || mapping == nil {
		return nil, err
	}
	return r.stampAndResolve(ctx, ev, mapping, SourceBatchExact, false)
}

// fromPendingMappingWindow matches the phone against the most recent
// un-stamped mapping within a trailing window.
func (r *Resolver) fromPendingMappingWindow(ctx context.Context, ev *CallEvent) (*ResolvedIdentity, error) {
	if ev.CalleePhone == "" {
		return nil, nil
	}
	mapping, err := r.store.LatestPendingMappingByPhone(ctx, phone.NormalizeE164(ev.CalleePhone), r.now().Add(-pendingMappingWindow))
	if err != nil || mapping == nil {
		return nil, err
	}
	return r.stampAndResolve(ctx, ev, mapping, SourceBatchPhoneWindow, true)
}

func (r *Resolver) stampAndResolve(ctx context.Context, ev *CallEvent, mapping *BatchCallMapping, source string, lowConfidence bool) (*ResolvedIdentity, error) {
	if mapping.ResolvedAt == nil {
		stamped, err := r.store.StampBatchMapping(ctx, mapping.ID, ev.ProviderCallID)
		if err != nil {
			return nil, err
		}
		if !stamped {
			// A concurrent duplicate delivery stamped it first. The mapping
			// still identifies the same household/recipient, so resolution
			// proceeds either way.
			r.log.Debug("batch mapping already stamped", "mapping_id", mapping.ID, "provider_call_id", ev.ProviderCallID)
		}
	}
	return &ResolvedIdentity{
		HouseholdID:   mapping.HouseholdID,
		RecipientID:   mapping.RecipientID,
		Source:        source,
		LowConfidence: lowConfidence,
	}, nil
}

// fromDirectoryPhone is the batch last resort: a direct phone lookup in the
// care-recipient directory. A single match is used as-is. Multiple
// households sharing the number resolve only with corroboration (a batch ID
// present, or an answered outcome); otherwise the chain abstains with
// ErrAmbiguousIdentity.
func (r *Resolver) fromDirectoryPhone(ctx context.Context, ev *CallEvent) (*ResolvedIdentity, error) {
	if ev.CalleePhone == "" {
		return nil, nil
	}
	entries, err := r.store.FindRecipientsByPhone(ctx, phone.NormalizeE164(ev.CalleePhone))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	if len(entries) > 1 {
		corroborated := ev.BatchID != "" || NormalizeStatus(ev.RawStatus) == OutcomeAnswered
		if !corroborated {
			return nil, &AmbiguousIdentityError{Matches: len(entries)}
		}
	}

	// Entries are ordered most recently updated first; with corroboration
	// the first match is the documented lower-confidence choice.
	entry := entries[0]
	return &ResolvedIdentity{
		HouseholdID:   entry.HouseholdID,
		RecipientID:   entry.ID,
		Source:        SourceDirectoryPhone,
		LowConfidence: len(entries) > 1,
	}, nil
}
