package callevents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"careline_backend/internal/events"
	"careline_backend/platform/logger"
	"careline_backend/platform/sanitize"

	"github.com/google/uuid"
)

// DeliveryOutcome is the acknowledgement category for one processed
// delivery. Every outcome is acknowledged with HTTP 200; only the response
// text differs.
type DeliveryOutcome int

const (
	// DeliveryAccepted means the event was resolved and persisted.
	DeliveryAccepted DeliveryOutcome = iota
	// DeliveryUnresolved means the resolution chain was exhausted or
	// ambiguous; the delivery lives in the audit trail only.
	DeliveryUnresolved
	// DeliveryOrphanAudio means an audio event arrived for a call with no
	// call log yet.
	DeliveryOrphanAudio
	// DeliveryMalformed means the body failed to parse; it was still audited.
	DeliveryMalformed
)

// Ack returns the plain-text acknowledgement body for the outcome.
func (o DeliveryOutcome) Ack() string {
	switch o {
	case DeliveryUnresolved:
		return "accepted: unresolved identity"
	case DeliveryOrphanAudio:
		return "accepted: orphan audio"
	default:
		return "accepted"
	}
}

func (o DeliveryOutcome) String() string {
	switch o {
	case DeliveryAccepted:
		return AuditAccepted
	case DeliveryUnresolved:
		return AuditUnresolved
	case DeliveryOrphanAudio:
		return AuditOrphan
	default:
		return AuditMalformed
	}
}

// Store is the persistence surface the service needs.
type Store interface {
	ResolverStore
	InsertAudit(ctx context.Context, rec AuditRecord) (uuid.UUID, error)
	GetAudit(ctx context.Context, id uuid.UUID) (*AuditRecord, error)
	UpsertCallLog(ctx context.Context, log CallLog) error
	UpsertCallSummary(ctx context.Context, summary CallSummary) error
	AttachAudio(ctx context.Context, providerCallID, audioURL string) (bool, error)
}

// ReconcileScheduler enqueues a delayed re-resolution attempt for an audited
// delivery that could not be attached immediately.
type ReconcileScheduler interface {
	ScheduleReconcile(ctx context.Context, auditID uuid.UUID) error
}

// AudioStore persists raw call recordings and returns a retrievable URL.
type AudioStore interface {
	StoreCallAudio(ctx context.Context, providerCallID string, audioBase64 string) (string, error)
}

// Service processes authenticated webhook deliveries end to end: parse,
// classify, resolve identity, persist, audit, and publish domain events.
type Service struct {
	store      Store
	resolver   *Resolver
	classifier *Classifier
	scheduler  ReconcileScheduler
	audio      AudioStore
	bus        events.Bus
	log        *logger.Logger
}

// NewService creates the call-event service. scheduler, audio, and bus may
// be nil; the corresponding side effects are skipped.
func NewService(store Store, resolver *Resolver, classifier *Classifier, scheduler ReconcileScheduler, audio AudioStore, bus events.Bus, log *logger.Logger) *Service {
	return &Service{
		store:      store,
		resolver:   resolver,
		classifier: classifier,
		scheduler:  scheduler,
		audio:      audio,
		bus:        bus,
		log:        log,
	}
}

// ProcessDelivery handles one signature-verified delivery body. It never
// returns an error to the transport: every outcome after signature
// verification is an acknowledgement, and internal failures are logged and
// absorbed so the provider does not retry a delivery we have audited.
func (s *Service) ProcessDelivery(ctx context.Context, raw []byte) DeliveryOutcome {
	started := time.Now()

	var outcome DeliveryOutcome
	ev, err := ParseEvent(raw)
	switch {
	case err != nil:
		s.audit(ctx, AuditRecord{
			Payload: raw,
			Outcome: AuditMalformed,
			Error:   err.Error(),
		})
		s.log.Warn("malformed webhook payload", "error", err)
		outcome = DeliveryMalformed
	case ev.AudioOnly:
		outcome = s.processAudio(ctx, raw, ev)
	default:
		outcome = s.processTranscription(ctx, raw, ev)
	}

	var callID string
	if ev != nil {
		callID = ev.ProviderCallID
	}
	s.log.WebhookDelivery(callID, outcome.String(), float64(time.Since(started).Milliseconds()))
	return outcome
}

func (s *Service) processTranscription(ctx context.Context, raw []byte, ev *CallEvent) DeliveryOutcome {
	kind := s.classifier.Classify(ev)

	identity, err := s.resolver.Resolve(ctx, ev, kind)
	if err != nil {
		if errors.Is(err, ErrAmbiguousIdentity) {
			return s.recordAmbiguous(ctx, raw, ev, err)
		}
		// Store errors mid-chain: audit as unresolved and lean on
		// reconciliation rather than asking the provider to retry.
		s.log.DatabaseError("resolve identity", err)
		return s.recordUnresolved(ctx, raw, ev, kind, err.Error())
	}
	if identity == nil {
		return s.recordUnresolved(ctx, raw, ev, kind, "")
	}

	s.persist(ctx, ev, kind, identity)

	s.audit(ctx, AuditRecord{
		ProviderCallID:   ev.ProviderCallID,
		EventType:        eventTypeTranscription,
		Payload:          raw,
		Outcome:          AuditAccepted,
		ResolutionSource: identity.Source,
		LowConfidence:    identity.LowConfidence,
	})
	s.publish(ctx, events.CallResolved{
		BaseEvent:      events.NewBaseEvent(),
		ProviderCallID: ev.ProviderCallID,
		HouseholdID:    identity.HouseholdID,
		RecipientID:    identity.RecipientID,
		CallKind:       string(kind),
		Outcome:        string(NormalizeStatus(ev.RawStatus)),
		LowConfidence:  identity.LowConfidence,
	})
	return DeliveryAccepted
}

// persist writes the call log and summary. Persistence failures are logged
// and absorbed; the audit row plus reconciliation recover the data later.
func (s *Service) persist(ctx context.Context, ev *CallEvent, kind CallKind, identity *ResolvedIdentity) {
	log := CallLog{
		Provider:         kind.Provider(),
		ProviderCallID:   ev.ProviderCallID,
		HouseholdID:      identity.HouseholdID,
		RecipientID:      identity.RecipientID,
		Outcome:          NormalizeStatus(ev.RawStatus),
		DurationSeconds:  ev.DurationSeconds,
		CalleePhone:      ev.CalleePhone,
		BatchID:          ev.BatchID,
		ResolutionSource: identity.Source,
		LowConfidence:    identity.LowConfidence,
		AudioURL:         nullIfEmpty(ev.RecordingURL),
	}
	if err := s.store.UpsertCallLog(ctx, log); err != nil {
		s.log.DatabaseError("upsert call log", err)
		return
	}

	moodLabel, moodScore := MoodFromCollection(ev.DataCollection)
	criteria := ScoreCriteria(ev.Criteria)
	summary := CallSummary{
		ProviderCallID: ev.ProviderCallID,
		HouseholdID:    identity.HouseholdID,
		RecipientID:    identity.RecipientID,
		MoodLabel:      moodLabel,
		MoodScore:      moodScore,
		Criteria:       criteria,
		Rating:         criteria.Rating(),
		Summary:        sanitize.Text(ev.Summary),
		Notes:          sanitize.Text(stringField(ev.DataCollection, "notes")),
		Highlights:     sanitize.Text(stringField(ev.DataCollection, "highlights")),
		TranscriptURL:  ev.TranscriptURL,
		AudioURL:       nullIfEmpty(ev.RecordingURL),
	}
	if err := s.store.UpsertCallSummary(ctx, summary); err != nil {
		s.log.DatabaseError("upsert call summary", err)
	}
}

// processAudio attaches a follow-up recording to an existing call log. It
// never fabricates a call log: without one, the delivery is audited as
// orphan audio and retried through reconciliation.
func (s *Service) processAudio(ctx context.Context, raw []byte, ev *CallEvent) DeliveryOutcome {
	audioURL, err := s.storeAudio(ctx, ev)
	if err != nil {
		s.log.Error("store call audio", "provider_call_id", ev.ProviderCallID, "error", err)
	}

	if audioURL != "" {
		attached, err := s.store.AttachAudio(ctx, ev.ProviderCallID, audioURL)
		if err != nil {
			s.log.DatabaseError("attach audio", err)
		} else if attached {
			s.audit(ctx, AuditRecord{
				ProviderCallID: ev.ProviderCallID,
				EventType:      eventTypeAudio,
				Payload:        auditableAudioPayload(raw, ev, audioURL),
				Outcome:        AuditAccepted,
			})
			s.publish(ctx, events.CallAudioAttached{
				BaseEvent:      events.NewBaseEvent(),
				ProviderCallID: ev.ProviderCallID,
				AudioURL:       audioURL,
			})
			return DeliveryAccepted
		}
	}

	auditID := s.audit(ctx, AuditRecord{
		ProviderCallID: ev.ProviderCallID,
		EventType:      eventTypeAudio,
		Payload:        auditableAudioPayload(raw, ev, audioURL),
		Outcome:        AuditOrphan,
	})
	s.scheduleReconcile(ctx, auditID)
	return DeliveryOrphanAudio
}

// storeAudio uploads inline audio to object storage, or falls back to a
// provider-hosted URL when the payload carries one.
func (s *Service) storeAudio(ctx context.Context, ev *CallEvent) (string, error) {
	if ev.AudioBase64 != "" && s.audio != nil {
		return s.audio.StoreCallAudio(ctx, ev.ProviderCallID, ev.AudioBase64)
	}
	return ev.RecordingURL, nil
}

func (s *Service) recordUnresolved(ctx context.Context, raw []byte, ev *CallEvent, kind CallKind, errText string) DeliveryOutcome {
	auditID := s.audit(ctx, AuditRecord{
		ProviderCallID: ev.ProviderCallID,
		EventType:      eventTypeTranscription,
		Payload:        raw,
		Outcome:        AuditUnresolved,
		Error:          errText,
	})
	s.scheduleReconcile(ctx, auditID)
	s.publish(ctx, events.CallUnresolved{
		BaseEvent:      events.NewBaseEvent(),
		AuditID:        auditID,
		ProviderCallID: ev.ProviderCallID,
		CallKind:       string(kind),
	})
	return DeliveryUnresolved
}

func (s *Service) recordAmbiguous(ctx context.Context, raw []byte, ev *CallEvent, err error) DeliveryOutcome {
	auditID := s.audit(ctx, AuditRecord{
		ProviderCallID: ev.ProviderCallID,
		EventType:      eventTypeTranscription,
		Payload:        raw,
		Outcome:        AuditAmbiguous,
		Error:          err.Error(),
	})
	s.scheduleReconcile(ctx, auditID)
	matches := 0
	var ambiguous *AmbiguousIdentityError
	if errors.As(err, &ambiguous) {
		matches = ambiguous.Matches
	}
	s.publish(ctx, events.CallIdentityAmbiguous{
		BaseEvent:      events.NewBaseEvent(),
		AuditID:        auditID,
		ProviderCallID: ev.ProviderCallID,
		CalleePhone:    ev.CalleePhone,
		MatchCount:     matches,
	})
	return DeliveryUnresolved
}

// Reconcile re-runs resolution for an earlier audited delivery. Called from
// the background worker; the audit table stays append-only, so a successful
// late resolution simply yields a new accepted audit entry.
func (s *Service) Reconcile(ctx context.Context, auditID uuid.UUID) error {
	rec, err := s.store.GetAudit(ctx, auditID)
	if err != nil {
		return err
	}
	if rec == nil {
		s.log.Warn("reconcile target not found", "audit_id", auditID)
		return nil
	}
	if rec.Outcome == AuditAccepted || rec.Outcome == AuditMalformed {
		return nil
	}
	s.ProcessDelivery(ctx, rec.Payload)
	return nil
}

func (s *Service) audit(ctx context.Context, rec AuditRecord) uuid.UUID {
	id, err := s.store.InsertAudit(ctx, rec)
	if err != nil {
		s.log.DatabaseError("insert audit record", err)
	}
	return id
}

func (s *Service) scheduleReconcile(ctx context.Context, auditID uuid.UUID) {
	if s.scheduler == nil || auditID == uuid.Nil {
		return
	}
	if err := s.scheduler.ScheduleReconcile(ctx, auditID); err != nil {
		s.log.Error("schedule reconcile", "audit_id", auditID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, event)
}

// auditableAudioPayload rewrites an inline-audio body before auditing: the
// recording already lives in object storage, so the audit row records its
// URL instead of the base64 bytes, and a reconcile replay attaches that URL
// directly. When the upload failed the original body is kept so the replay
// can retry it.
func auditableAudioPayload(raw []byte, ev *CallEvent, storedURL string) []byte {
	if ev.AudioBase64 == "" || storedURL == "" {
		return raw
	}
	data, err := json.Marshal(audioData{
		ConversationID: ev.ProviderCallID,
		RecordingURL:   storedURL,
	})
	if err != nil {
		return raw
	}
	body, err := json.Marshal(providerEnvelope{Type: eventTypeAudio, Data: data})
	if err != nil {
		return raw
	}
	return body
}

func stringField(collection map[string]DataField, key string) string {
	if field, ok := collection[key]; ok {
		if v, ok := field.Value.(string); ok {
			return v
		}
	}
	return ""
}
