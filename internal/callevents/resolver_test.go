package callevents

import (
	"context"
	"errors"
	"testing"
	"time"

	"careline_backend/platform/logger"

	"github.com/google/uuid"
)

// fakeStore is an in-memory Store for resolver and service tests.
type fakeStore struct {
	callLogs   map[string]*CallLog
	sessions   map[string]*CallSession
	mappings   []*BatchCallMapping
	recipients map[string][]DirectoryEntry
	audits     []AuditRecord
	summaries  map[string]*CallSummary
	stampCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		callLogs:   map[string]*CallLog{},
		sessions:   map[string]*CallSession{},
		recipients: map[string][]DirectoryEntry{},
		summaries:  map[string]*CallSummary{},
	}
}

func (f *fakeStore) FindCallLog(_ context.Context, providerCallID string) (*CallLog, error) {
	return f.callLogs[providerCallID], nil
}

func (f *fakeStore) GetCallSession(_ context.Context, sessionID string) (*CallSession, error) {
	return f.sessions[sessionID], nil
}

func (f *fakeStore) LatestCallSessionSince(_ context.Context, cutoff time.Time) (*CallSession, error) {
	var latest *CallSession
	for _, s := range f.sessions {
		if s.CreatedAt.Before(cutoff) {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest, nil
}

func (f *fakeStore) FindBatchMapping(_ context.Context, batchID, phoneE164 string) (*BatchCallMapping, error) {
	for _, m := range f.mappings {
		if m.BatchID == batchID && m.PhoneE164 == phoneE164 {
			return m, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) LatestPendingMappingByPhone(_ context.Context, phoneE164 string, cutoff time.Time) (*BatchCallMapping, error) {
	var latest *BatchCallMapping
	for _, m := range f.mappings {
		if m.PhoneE164 != phoneE164 || m.ResolvedAt != nil || m.CreatedAt.Before(cutoff) {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	return latest, nil
}

func (f *fakeStore) StampBatchMapping(_ context.Context, id uuid.UUID, providerCallID string) (bool, error) {
	f.stampCalls++
	for _, m := range f.mappings {
		if m.ID == id && m.ResolvedAt == nil {
			now := time.Now()
			m.ResolvedAt = &now
			m.ProviderCallID = &providerCallID
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) FindRecipientsByPhone(_ context.Context, phoneE164 string) ([]DirectoryEntry, error) {
	return f.recipients[phoneE164], nil
}

func (f *fakeStore) InsertAudit(_ context.Context, rec AuditRecord) (uuid.UUID, error) {
	rec.ID = uuid.New()
	f.audits = append(f.audits, rec)
	return rec.ID, nil
}

func (f *fakeStore) GetAudit(_ context.Context, id uuid.UUID) (*AuditRecord, error) {
	for i := range f.audits {
		if f.audits[i].ID == id {
			return &f.audits[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpsertCallLog(_ context.Context, log CallLog) error {
	if existing, ok := f.callLogs[log.ProviderCallID]; ok && existing.AudioURL != nil && log.AudioURL == nil {
		log.AudioURL = existing.AudioURL
	}
	f.callLogs[log.ProviderCallID] = &log
	return nil
}

func (f *fakeStore) UpsertCallSummary(_ context.Context, summary CallSummary) error {
	f.summaries[summary.ProviderCallID] = &summary
	return nil
}

func (f *fakeStore) AttachAudio(_ context.Context, providerCallID, audioURL string) (bool, error) {
	log, ok := f.callLogs[providerCallID]
	if !ok {
		return false, nil
	}
	log.AudioURL = &audioURL
	if summary, ok := f.summaries[providerCallID]; ok {
		summary.AudioURL = &audioURL
	}
	return true, nil
}

func newTestResolver(store ResolverStore, now time.Time) *Resolver {
	return &Resolver{
		store: store,
		log:   logger.New("test"),
		now:   func() time.Time { return now },
	}
}

var (
	testHousehold = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testRecipient = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func TestResolveFromDynamicVariables(t *testing.T) {
	r := newTestResolver(newFakeStore(), time.Now())
	ev := &CallEvent{
		ProviderCallID: "conv_1",
		DynamicVariables: map[string]string{
			"household_id": testHousehold.String(),
			"recipient_id": testRecipient.String(),
		},
	}

	identity, err := r.Resolve(context.Background(), ev, KindBatch)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity == nil || identity.Source != SourceDirectVars {
		t.Fatalf("identity = %+v", identity)
	}
	if identity.HouseholdID != testHousehold || identity.RecipientID != testRecipient {
		t.Fatalf("identity = %+v", identity)
	}
	if identity.LowConfidence {
		t.Fatal("direct vars should be high confidence")
	}
}

func TestResolveIgnoresUnparsableDynamicVariables(t *testing.T) {
	r := newTestResolver(newFakeStore(), time.Now())
	ev := &CallEvent{
		ProviderCallID: "conv_1",
		DynamicVariables: map[string]string{
			"household_id": "not-a-uuid",
			"recipient_id": testRecipient.String(),
		},
	}

	identity, err := r.Resolve(context.Background(), ev, KindBatch)
	if err != nil || identity != nil {
		t.Fatalf("expected abstain, got %+v / %v", identity, err)
	}
}

func TestResolveFromPriorResolution(t *testing.T) {
	store := newFakeStore()
	store.callLogs["conv_2"] = &CallLog{
		ProviderCallID:   "conv_2",
		HouseholdID:      testHousehold,
		RecipientID:      testRecipient,
		ResolutionSource: SourceBatchExact,
	}
	r := newTestResolver(store, time.Now())

	identity, err := r.Resolve(context.Background(), &CallEvent{ProviderCallID: "conv_2"}, KindBatch)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity == nil || identity.Source != SourcePriorResolution {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestResolveSessionStartStubDoesNotCountAsPrior(t *testing.T) {
	store := newFakeStore()
	store.callLogs["sess_7"] = &CallLog{
		Provider:         ProviderDevice,
		ProviderCallID:   "sess_7",
		HouseholdID:      testHousehold,
		RecipientID:      testRecipient,
		ResolutionSource: SourceSessionStart,
	}
	r := newTestResolver(store, time.Now())

	identity, err := r.Resolve(context.Background(), &CallEvent{ProviderCallID: "sess_7", SessionID: "sess_7"}, KindDevice)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// The stub is skipped by duplicate protection but matched by the
	// session call-log strategy.
	if identity == nil || identity.Source != SourceSessionCallLog {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestResolveFromSessionLookup(t *testing.T) {
	store := newFakeStore()
	store.sessions["sess_42"] = &CallSession{
		SessionID:   "sess_42",
		HouseholdID: testHousehold,
		RecipientID: testRecipient,
		CreatedAt:   time.Now(),
	}
	r := newTestResolver(store, time.Now())

	identity, err := r.Resolve(context.Background(), &CallEvent{ProviderCallID: "conv_3", SessionID: "sess_42"}, KindDevice)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity == nil || identity.Source != SourceSessionLookup {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestResolveRecentSessionWindow(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.sessions["sess_old"] = &CallSession{
		SessionID: "sess_old", HouseholdID: uuid.New(), RecipientID: uuid.New(),
		CreatedAt: now.Add(-11 * time.Minute),
	}
	store.sessions["sess_new"] = &CallSession{
		SessionID: "sess_new", HouseholdID: testHousehold, RecipientID: testRecipient,
		CreatedAt: now.Add(-4 * time.Minute),
	}
	r := newTestResolver(store, now)

	identity, err := r.Resolve(context.Background(), &CallEvent{ProviderCallID: "conv_4"}, KindDevice)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity == nil || identity.Source != SourceRecentSession {
		t.Fatalf("identity = %+v", identity)
	}
	if identity.HouseholdID != testHousehold {
		t.Fatalf("picked wrong session: %+v", identity)
	}
	if !identity.LowConfidence {
		t.Fatal("recent-session fallback must be low confidence")
	}
}

func TestResolveRecentSessionExpiredWindowAbstains(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.sessions["sess_old"] = &CallSession{
		SessionID: "sess_old", HouseholdID: testHousehold, RecipientID: testRecipient,
		CreatedAt: now.Add(-15 * time.Minute),
	}
	r := newTestResolver(store, now)

	identity, err := r.Resolve(context.Background(), &CallEvent{ProviderCallID: "conv_5"}, KindDevice)
	if err != nil || identity != nil {
		t.Fatalf("expected abstain, got %+v / %v", identity, err)
	}
}

func TestResolveBatchExactStampsMappingOnce(t *testing.T) {
	store := newFakeStore()
	mapping := &BatchCallMapping{
		ID: uuid.New(), BatchID: "batch_1", PhoneE164: "+14155550123",
		HouseholdID: testHousehold, RecipientID: testRecipient,
		CreatedAt: time.Now(),
	}
	store.mappings = append(store.mappings, mapping)
	r := newTestResolver(store, time.Now())

	ev := &CallEvent{ProviderCallID: "conv_6", BatchID: "batch_1", CalleePhone: "+14155550123"}

	identity, err := r.Resolve(context.Background(), ev, KindBatch)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity == nil || identity.Source != SourceBatchExact || identity.LowConfidence {
		t.Fatalf("identity = %+v", identity)
	}
	if mapping.ResolvedAt == nil || *mapping.ProviderCallID != "conv_6" {
		t.Fatalf("mapping not stamped: %+v", mapping)
	}

	// A second delivery of the same call resolves without stamping again.
	stampsBefore := store.stampCalls
	if _, err := r.Resolve(context.Background(), ev, KindBatch); err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if store.stampCalls != stampsBefore {
		t.Fatal("stamp attempted on already-resolved mapping")
	}
}

func TestResolvePendingMappingWindowIsLowConfidence(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.mappings = append(store.mappings, &BatchCallMapping{
		ID: uuid.New(), BatchID: "batch_other", PhoneE164: "+14155550123",
		HouseholdID: testHousehold, RecipientID: testRecipient,
		CreatedAt: now.Add(-time.Hour),
	})
	r := newTestResolver(store, now)

	// No batch ID on the event, so exact matching abstains.
	ev := &CallEvent{ProviderCallID: "conv_7", CalleePhone: "+14155550123"}
	identity, err := r.Resolve(context.Background(), ev, KindBatch)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity == nil || identity.Source != SourceBatchPhoneWindow {
		t.Fatalf("identity = %+v", identity)
	}
	if !identity.LowConfidence {
		t.Fatal("phone-window fallback must be low confidence")
	}
}

func TestResolveDirectoryPhoneSingleMatch(t *testing.T) {
	store := newFakeStore()
	store.recipients["+14155550123"] = []DirectoryEntry{
		{ID: testRecipient, HouseholdID: testHousehold, PhoneE164: "+14155550123", UpdatedAt: time.Now()},
	}
	r := newTestResolver(store, time.Now())

	ev := &CallEvent{ProviderCallID: "conv_8", CalleePhone: "+14155550123", RawStatus: "failed"}
	identity, err := r.Resolve(context.Background(), ev, KindBatch)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity == nil || identity.Source != SourceDirectoryPhone || identity.LowConfidence {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestResolveDirectoryPhoneAmbiguousWithoutCorroboration(t *testing.T) {
	store := newFakeStore()
	store.recipients["+14155550123"] = []DirectoryEntry{
		{ID: uuid.New(), HouseholdID: uuid.New(), PhoneE164: "+14155550123", UpdatedAt: time.Now()},
		{ID: uuid.New(), HouseholdID: uuid.New(), PhoneE164: "+14155550123", UpdatedAt: time.Now().Add(-time.Hour)},
	}
	r := newTestResolver(store, time.Now())

	ev := &CallEvent{ProviderCallID: "conv_9", CalleePhone: "+14155550123", RawStatus: "failed"}
	_, err := r.Resolve(context.Background(), ev, KindBatch)
	if !errors.Is(err, ErrAmbiguousIdentity) {
		t.Fatalf("expected ErrAmbiguousIdentity, got %v", err)
	}
	var ambiguous *AmbiguousIdentityError
	if !errors.As(err, &ambiguous) || ambiguous.Matches != 2 {
		t.Fatalf("expected match count 2, got %v", err)
	}
}

func TestResolveDirectoryPhoneAmbiguousWithCorroborationPicksMostRecent(t *testing.T) {
	store := newFakeStore()
	store.recipients["+14155550123"] = []DirectoryEntry{
		{ID: testRecipient, HouseholdID: testHousehold, PhoneE164: "+14155550123", UpdatedAt: time.Now()},
		{ID: uuid.New(), HouseholdID: uuid.New(), PhoneE164: "+14155550123", UpdatedAt: time.Now().Add(-time.Hour)},
	}
	r := newTestResolver(store, time.Now())

	ev := &CallEvent{ProviderCallID: "conv_10", CalleePhone: "+14155550123", RawStatus: "done"}
	identity, err := r.Resolve(context.Background(), ev, KindBatch)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity == nil || identity.RecipientID != testRecipient {
		t.Fatalf("identity = %+v", identity)
	}
	if !identity.LowConfidence {
		t.Fatal("corroborated multi-match must be flagged low confidence")
	}
}

func TestResolveExhaustedChainAbstains(t *testing.T) {
	r := newTestResolver(newFakeStore(), time.Now())
	identity, err := r.Resolve(context.Background(), &CallEvent{ProviderCallID: "conv_11", CalleePhone: "+14155550123"}, KindBatch)
	if err != nil || identity != nil {
		t.Fatalf("expected abstain, got %+v / %v", identity, err)
	}
}
