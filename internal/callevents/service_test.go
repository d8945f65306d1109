package callevents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"careline_backend/internal/events"
	"careline_backend/platform/logger"

	"github.com/google/uuid"
)

type fakeBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *fakeBus) Publish(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *fakeBus) PublishSync(ctx context.Context, event events.Event) error {
	b.Publish(ctx, event)
	return nil
}

func (b *fakeBus) Subscribe(string, events.Handler) {}

func (b *fakeBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for _, e := range b.events {
		names = append(names, e.EventName())
	}
	return names
}

type fakeScheduler struct {
	scheduled []uuid.UUID
}

func (f *fakeScheduler) ScheduleReconcile(_ context.Context, auditID uuid.UUID) error {
	f.scheduled = append(f.scheduled, auditID)
	return nil
}

type fakeAudioStore struct {
	stored map[string]string
}

func (f *fakeAudioStore) StoreCallAudio(_ context.Context, providerCallID, audioBase64 string) (string, error) {
	if f.stored == nil {
		f.stored = map[string]string{}
	}
	f.stored[providerCallID] = audioBase64
	return "https://storage.local/call-audio/" + providerCallID + ".mp3", nil
}

type serviceHarness struct {
	service   *Service
	store     *fakeStore
	bus       *fakeBus
	scheduler *fakeScheduler
	audio     *fakeAudioStore
}

func newServiceHarness() *serviceHarness {
	store := newFakeStore()
	bus := &fakeBus{}
	scheduler := &fakeScheduler{}
	audio := &fakeAudioStore{}
	log := logger.New("test")
	resolver := &Resolver{store: store, log: log, now: time.Now}
	classifier := newTestClassifier()
	return &serviceHarness{
		service:   NewService(store, resolver, classifier, scheduler, audio, bus, log),
		store:     store,
		bus:       bus,
		scheduler: scheduler,
		audio:     audio,
	}
}

func transcriptionBody(callID string, extra string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "post_call_transcription",
		"data": {
			"conversation_id": %q,
			"agent_id": "agent_batch",
			"status": "done",
			"metadata": {"call_duration_secs": 120, "phone_call": {"external_number": "+14155550123"}}%s
		}
	}`, callID, extra))
}

const directVars = `,
		"conversation_initiation_client_data": {
			"dynamic_variables": {
				"household_id": "11111111-1111-1111-1111-111111111111",
				"recipient_id": "22222222-2222-2222-2222-222222222222"
			}
		}`

func TestProcessDeliveryResolvedCallPersistsLogAndSummary(t *testing.T) {
	h := newServiceHarness()

	outcome := h.service.ProcessDelivery(context.Background(), transcriptionBody("conv_1", directVars))
	if outcome != DeliveryAccepted {
		t.Fatalf("outcome = %v", outcome)
	}

	log := h.store.callLogs["conv_1"]
	if log == nil {
		t.Fatal("call log not written")
	}
	if log.HouseholdID != testHousehold || log.RecipientID != testRecipient {
		t.Fatalf("call log identity = %+v", log)
	}
	if log.Outcome != OutcomeAnswered || log.DurationSeconds != 120 {
		t.Fatalf("call log fields = %+v", log)
	}
	if log.Provider != ProviderBatch {
		t.Fatalf("provider = %q", log.Provider)
	}

	summary := h.store.summaries["conv_1"]
	if summary == nil {
		t.Fatal("call summary not written")
	}
	if summary.MoodLabel != MoodNeutral || summary.MoodScore != nil {
		t.Fatalf("summary mood = %q / %v", summary.MoodLabel, summary.MoodScore)
	}

	if len(h.store.audits) != 1 || h.store.audits[0].Outcome != AuditAccepted {
		t.Fatalf("audits = %+v", h.store.audits)
	}
	if h.store.audits[0].ResolutionSource != SourceDirectVars {
		t.Fatalf("audit source = %q", h.store.audits[0].ResolutionSource)
	}
	if names := h.bus.names(); len(names) != 1 || names[0] != "callevents.call.resolved" {
		t.Fatalf("events = %v", names)
	}
}

func TestProcessDeliveryReplayIsIdempotent(t *testing.T) {
	h := newServiceHarness()
	body := transcriptionBody("conv_2", directVars)

	first := h.service.ProcessDelivery(context.Background(), body)
	second := h.service.ProcessDelivery(context.Background(), body)
	if first != DeliveryAccepted || second != DeliveryAccepted {
		t.Fatalf("outcomes = %v / %v", first, second)
	}

	if len(h.store.callLogs) != 1 || len(h.store.summaries) != 1 {
		t.Fatalf("expected one log and one summary, got %d / %d", len(h.store.callLogs), len(h.store.summaries))
	}
	// Both deliveries are audited; the audit trail is append-only.
	if len(h.store.audits) != 2 {
		t.Fatalf("expected two audit rows, got %d", len(h.store.audits))
	}
	if h.store.audits[1].Outcome != AuditAccepted {
		t.Fatalf("replay audit = %+v", h.store.audits[1])
	}
}

func TestProcessDeliveryUnresolvedIsAuditedOnlyAndScheduled(t *testing.T) {
	h := newServiceHarness()

	outcome := h.service.ProcessDelivery(context.Background(), transcriptionBody("conv_3", ""))
	if outcome != DeliveryUnresolved {
		t.Fatalf("outcome = %v", outcome)
	}

	if len(h.store.callLogs) != 0 || len(h.store.summaries) != 0 {
		t.Fatal("unresolved delivery must not write call data")
	}
	if len(h.store.audits) != 1 || h.store.audits[0].Outcome != AuditUnresolved {
		t.Fatalf("audits = %+v", h.store.audits)
	}
	if len(h.scheduler.scheduled) != 1 {
		t.Fatalf("expected one reconcile task, got %d", len(h.scheduler.scheduled))
	}
	if names := h.bus.names(); len(names) != 1 || names[0] != "callevents.call.unresolved" {
		t.Fatalf("events = %v", names)
	}
}

func TestProcessDeliveryAmbiguousIdentity(t *testing.T) {
	h := newServiceHarness()
	h.store.recipients["+14155550123"] = []DirectoryEntry{
		{ID: uuid.New(), HouseholdID: uuid.New(), PhoneE164: "+14155550123"},
		{ID: uuid.New(), HouseholdID: uuid.New(), PhoneE164: "+14155550123"},
	}

	body := []byte(`{
		"type": "post_call_transcription",
		"data": {
			"conversation_id": "conv_4",
			"agent_id": "agent_batch",
			"status": "failed",
			"metadata": {"phone_call": {"external_number": "+14155550123"}}
		}
	}`)
	outcome := h.service.ProcessDelivery(context.Background(), body)
	if outcome != DeliveryUnresolved {
		t.Fatalf("outcome = %v", outcome)
	}

	if len(h.store.callLogs) != 0 {
		t.Fatal("ambiguous delivery must not write call data")
	}
	if len(h.store.audits) != 1 || h.store.audits[0].Outcome != AuditAmbiguous {
		t.Fatalf("audits = %+v", h.store.audits)
	}
	if len(h.scheduler.scheduled) != 1 {
		t.Fatalf("expected one reconcile task, got %d", len(h.scheduler.scheduled))
	}
	if names := h.bus.names(); len(names) != 1 || names[0] != "callevents.call.identity_ambiguous" {
		t.Fatalf("events = %v", names)
	}
	ambiguous := h.bus.events[0].(events.CallIdentityAmbiguous)
	if ambiguous.MatchCount != 2 {
		t.Fatalf("match count = %d", ambiguous.MatchCount)
	}
}

func TestProcessDeliveryMalformedIsAuditedAndAcknowledged(t *testing.T) {
	h := newServiceHarness()

	outcome := h.service.ProcessDelivery(context.Background(), []byte("not json"))
	if outcome != DeliveryMalformed {
		t.Fatalf("outcome = %v", outcome)
	}
	if outcome.Ack() != "accepted" {
		t.Fatalf("ack = %q", outcome.Ack())
	}
	if len(h.store.audits) != 1 || h.store.audits[0].Outcome != AuditMalformed {
		t.Fatalf("audits = %+v", h.store.audits)
	}
	if h.store.audits[0].Error == "" {
		t.Fatal("malformed audit must carry the parse error")
	}
}

func TestProcessDeliveryAudioAttachesToExistingLog(t *testing.T) {
	h := newServiceHarness()
	h.service.ProcessDelivery(context.Background(), transcriptionBody("conv_5", directVars))

	before := *h.store.callLogs["conv_5"]
	outcome := h.service.ProcessDelivery(context.Background(),
		[]byte(`{"type":"post_call_audio","data":{"conversation_id":"conv_5","full_audio":"UklGRg=="}}`))
	if outcome != DeliveryAccepted {
		t.Fatalf("outcome = %v", outcome)
	}

	after := h.store.callLogs["conv_5"]
	if after.AudioURL == nil || *after.AudioURL != "https://storage.local/call-audio/conv_5.mp3" {
		t.Fatalf("audio url = %v", after.AudioURL)
	}
	// Audio attachment must not alter any previously persisted field.
	if after.Outcome != before.Outcome || after.HouseholdID != before.HouseholdID ||
		after.DurationSeconds != before.DurationSeconds || after.ResolutionSource != before.ResolutionSource {
		t.Fatalf("audio attach mutated call log: %+v -> %+v", before, after)
	}
	if h.audio.stored["conv_5"] != "UklGRg==" {
		t.Fatal("audio not uploaded to object storage")
	}
}

func TestProcessDeliveryOrphanAudio(t *testing.T) {
	h := newServiceHarness()

	outcome := h.service.ProcessDelivery(context.Background(),
		[]byte(`{"type":"post_call_audio","data":{"conversation_id":"conv_ghost","full_audio":"UklGRg=="}}`))
	if outcome != DeliveryOrphanAudio {
		t.Fatalf("outcome = %v", outcome)
	}
	if outcome.Ack() != "accepted: orphan audio" {
		t.Fatalf("ack = %q", outcome.Ack())
	}

	if len(h.store.callLogs) != 0 {
		t.Fatal("orphan audio must never fabricate a call log")
	}
	if len(h.store.audits) != 1 || h.store.audits[0].Outcome != AuditOrphan {
		t.Fatalf("audits = %+v", h.store.audits)
	}
	if len(h.scheduler.scheduled) != 1 {
		t.Fatalf("expected one reconcile task, got %d", len(h.scheduler.scheduled))
	}
}

func TestAuditPayloadOmitsInlineAudio(t *testing.T) {
	h := newServiceHarness()
	h.service.ProcessDelivery(context.Background(),
		[]byte(`{"type":"post_call_audio","data":{"conversation_id":"conv_6","full_audio":"AAAABBBBCCCC"}}`))

	payload := string(h.store.audits[0].Payload)
	if payload == "" {
		t.Fatal("audit payload missing")
	}
	if strings.Contains(payload, "AAAABBBBCCCC") {
		t.Fatalf("audit payload retains inline audio: %s", payload)
	}
}

func TestReconcileReplaysUnresolvedDelivery(t *testing.T) {
	h := newServiceHarness()

	// First delivery cannot resolve: no mapping, no directory entry.
	h.service.ProcessDelivery(context.Background(), transcriptionBody("conv_7", ""))
	if len(h.scheduler.scheduled) != 1 {
		t.Fatalf("expected one reconcile task, got %d", len(h.scheduler.scheduled))
	}
	auditID := h.scheduler.scheduled[0]

	// The directory catches up before the reconcile task fires.
	h.store.recipients["+14155550123"] = []DirectoryEntry{
		{ID: testRecipient, HouseholdID: testHousehold, PhoneE164: "+14155550123", UpdatedAt: time.Now()},
	}

	if err := h.service.Reconcile(context.Background(), auditID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	log := h.store.callLogs["conv_7"]
	if log == nil || log.ResolutionSource != SourceDirectoryPhone {
		t.Fatalf("reconcile did not persist: %+v", log)
	}
}

func TestReconcileAttachesStoredOrphanAudio(t *testing.T) {
	h := newServiceHarness()

	// Inline audio arrives before the transcription: uploaded to storage,
	// audited as orphan with the stored URL in place of the base64 bytes.
	h.service.ProcessDelivery(context.Background(),
		[]byte(`{"type":"post_call_audio","data":{"conversation_id":"conv_9","full_audio":"UklGRg=="}}`))
	if len(h.scheduler.scheduled) != 1 {
		t.Fatalf("expected one reconcile task, got %d", len(h.scheduler.scheduled))
	}
	auditID := h.scheduler.scheduled[0]

	storedURL := "https://storage.local/call-audio/conv_9.mp3"
	payload := string(h.store.audits[0].Payload)
	if !strings.Contains(payload, storedURL) {
		t.Fatalf("orphan audit payload lacks stored url: %s", payload)
	}
	if strings.Contains(payload, "UklGRg==") {
		t.Fatalf("orphan audit payload retains inline audio: %s", payload)
	}

	// The transcription lands later, then the reconcile task fires.
	h.service.ProcessDelivery(context.Background(), transcriptionBody("conv_9", directVars))
	if err := h.service.Reconcile(context.Background(), auditID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	log := h.store.callLogs["conv_9"]
	if log == nil || log.AudioURL == nil || *log.AudioURL != storedURL {
		t.Fatalf("reconcile did not attach stored audio: %+v", log)
	}
	last := h.store.audits[len(h.store.audits)-1]
	if last.Outcome != AuditAccepted || last.EventType != eventTypeAudio {
		t.Fatalf("replay audit = %+v", last)
	}
}

func TestReconcileReplaysAmbiguousDelivery(t *testing.T) {
	h := newServiceHarness()
	h.store.recipients["+14155550123"] = []DirectoryEntry{
		{ID: uuid.New(), HouseholdID: uuid.New(), PhoneE164: "+14155550123"},
		{ID: uuid.New(), HouseholdID: uuid.New(), PhoneE164: "+14155550123"},
	}

	body := []byte(`{
		"type": "post_call_transcription",
		"data": {
			"conversation_id": "conv_10",
			"agent_id": "agent_batch",
			"status": "failed",
			"metadata": {"phone_call": {"external_number": "+14155550123"}}
		}
	}`)
	h.service.ProcessDelivery(context.Background(), body)
	if len(h.scheduler.scheduled) != 1 {
		t.Fatalf("expected one reconcile task, got %d", len(h.scheduler.scheduled))
	}
	auditID := h.scheduler.scheduled[0]

	// The duplicate directory entry is cleaned up before the task fires.
	h.store.recipients["+14155550123"] = []DirectoryEntry{
		{ID: testRecipient, HouseholdID: testHousehold, PhoneE164: "+14155550123", UpdatedAt: time.Now()},
	}

	if err := h.service.Reconcile(context.Background(), auditID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	log := h.store.callLogs["conv_10"]
	if log == nil || log.ResolutionSource != SourceDirectoryPhone {
		t.Fatalf("reconcile did not persist: %+v", log)
	}
}

func TestReconcileSkipsAlreadyAcceptedAudit(t *testing.T) {
	h := newServiceHarness()
	h.service.ProcessDelivery(context.Background(), transcriptionBody("conv_8", directVars))
	auditID := h.store.audits[0].ID

	if err := h.service.Reconcile(context.Background(), auditID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(h.store.audits) != 1 {
		t.Fatalf("accepted audit reprocessed: %d rows", len(h.store.audits))
	}
}
