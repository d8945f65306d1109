// Package callevents provides the call-event ingestion bounded context.
// It authenticates inbound webhook deliveries from the voice provider,
// resolves which household and care recipient each call belongs to, and
// persists call logs and summaries idempotently.
package callevents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"
)

// Repository provides data access for the call-event engine.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new callevents repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertAudit appends one row to the webhook audit log and returns its ID.
// The audit log is append-only; nothing in this engine updates or deletes it.
func (r *Repository) InsertAudit(ctx context.Context, rec AuditRecord) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_audit_log (provider_call_id, event_type, payload, outcome, resolution_source, low_confidence, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, nullIfEmpty(rec.ProviderCallID), rec.EventType, string(rec.Payload), rec.Outcome,
		nullIfEmpty(rec.ResolutionSource), rec.LowConfidence, nullIfEmpty(rec.Error)).Scan(&id)
	return id, err
}

// GetAudit returns one audit record by ID, for reconciliation.
func (r *Repository) GetAudit(ctx context.Context, id uuid.UUID) (*AuditRecord, error) {
	var rec AuditRecord
	var providerCallID, resolutionSource, errText *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, provider_call_id, event_type, payload, outcome, resolution_source, low_confidence, error, received_at
		FROM webhook_audit_log
		WHERE id = $1
	`, id).Scan(&rec.ID, &providerCallID, &rec.EventType, &rec.Payload, &rec.Outcome,
		&resolutionSource, &rec.LowConfidence, &errText, &rec.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.ProviderCallID = deref(providerCallID)
	rec.ResolutionSource = deref(resolutionSource)
	rec.Error = deref(errText)
	return &rec, nil
}

// FindCallLog returns the call log for a provider call ID across providers,
// or nil when none exists.
func (r *Repository) FindCallLog(ctx context.Context, providerCallID string) (*CallLog, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, provider, provider_call_id, household_id, recipient_id, outcome, duration_seconds,
		       callee_phone, batch_id, resolution_source, low_confidence, audio_url, created_at, updated_at
		FROM call_logs
		WHERE provider_call_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, providerCallID)
	return scanCallLog(row)
}

// GetCallSession returns the call session for a session ID, or nil.
func (r *Repository) GetCallSession(ctx context.Context, sessionID string) (*CallSession, error) {
	var session CallSession
	err := r.pool.QueryRow(ctx, `
		SELECT id, session_id, household_id, recipient_id, created_at
		FROM call_sessions
		WHERE session_id = $1
	`, sessionID).Scan(&session.ID, &session.SessionID, &session.HouseholdID, &session.RecipientID, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// LatestCallSessionSince returns the most recently created session after the
// cutoff, or nil.
func (r *Repository) LatestCallSessionSince(ctx context.Context, cutoff time.Time) (*CallSession, error) {
	var session CallSession
	err := r.pool.QueryRow(ctx, `
		SELECT id, session_id, household_id, recipient_id, created_at
		FROM call_sessions
		WHERE created_at >= $1
		ORDER BY created_at DESC
		LIMIT 1
	`, cutoff).Scan(&session.ID, &session.SessionID, &session.HouseholdID, &session.RecipientID, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// FindBatchMapping returns the mapping for an exact (batchId, phone) pair, or nil.
func (r *Repository) FindBatchMapping(ctx context.Context, batchID, phoneE164 string) (*BatchCallMapping, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, batch_id, phone_e164, household_id, recipient_id, provider_call_id, resolved_at, created_at
		FROM batch_call_mappings
		WHERE batch_id = $1 AND phone_e164 = $2
	`, batchID, phoneE164)
	return scanBatchMapping(row)
}

// LatestPendingMappingByPhone returns the most recent un-stamped mapping for
// a phone number created after the cutoff, or nil.
func (r *Repository) LatestPendingMappingByPhone(ctx context.Context, phoneE164 string, cutoff time.Time) (*BatchCallMapping, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, batch_id, phone_e164, household_id, recipient_id, provider_call_id, resolved_at, created_at
		FROM batch_call_mappings
		WHERE phone_e164 = $1 AND resolved_at IS NULL AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`, phoneE164, cutoff)
	return scanBatchMapping(row)
}

// StampBatchMapping records the provider call ID and resolution time on a
// mapping. The resolved_at guard makes the stamp first-write-wins: under
// concurrent duplicate delivery exactly one caller observes stamped=true.
func (r *Repository) StampBatchMapping(ctx context.Context, id uuid.UUID, providerCallID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE batch_call_mappings
		SET provider_call_id = $2, resolved_at = now()
		WHERE id = $1 AND resolved_at IS NULL
	`, id, providerCallID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindRecipientsByPhone returns directory entries matching a phone number,
// most recently updated first.
func (r *Repository) FindRecipientsByPhone(ctx context.Context, phoneE164 string) ([]DirectoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, household_id, full_name, phone_e164, updated_at
		FROM care_recipients
		WHERE phone_e164 = $1
		ORDER BY updated_at DESC
	`, phoneE164)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []DirectoryEntry
	for rows.Next() {
		var entry DirectoryEntry
		if err := rows.Scan(&entry.ID, &entry.HouseholdID, &entry.FullName, &entry.PhoneE164, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UpsertCallLog inserts or updates the canonical call log keyed by
// (provider, provider_call_id). Newer values overwrite older ones
// field-by-field; the audio URL is preserved when the new event carries none.
func (r *Repository) UpsertCallLog(ctx context.Context, log CallLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO call_logs (provider, provider_call_id, household_id, recipient_id, outcome, duration_seconds,
		                       callee_phone, batch_id, resolution_source, low_confidence, audio_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (provider, provider_call_id) DO UPDATE SET
			household_id      = EXCLUDED.household_id,
			recipient_id      = EXCLUDED.recipient_id,
			outcome           = EXCLUDED.outcome,
			duration_seconds  = EXCLUDED.duration_seconds,
			callee_phone      = EXCLUDED.callee_phone,
			batch_id          = EXCLUDED.batch_id,
			resolution_source = EXCLUDED.resolution_source,
			low_confidence    = EXCLUDED.low_confidence,
			audio_url         = COALESCE(EXCLUDED.audio_url, call_logs.audio_url),
			updated_at        = now()
	`, log.Provider, log.ProviderCallID, log.HouseholdID, log.RecipientID, string(log.Outcome),
		log.DurationSeconds, nullIfEmpty(log.CalleePhone), nullIfEmpty(log.BatchID),
		log.ResolutionSource, log.LowConfidence, log.AudioURL)
	return benignDuplicate(err)
}

// UpsertCallSummary inserts or updates the derived analysis record keyed by
// provider_call_id.
func (r *Repository) UpsertCallSummary(ctx context.Context, summary CallSummary) error {
	criteria, err := json.Marshal(summary.Criteria)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO call_summaries (provider_call_id, household_id, recipient_id, mood_label, mood_score,
		                            criteria, rating, summary, notes, highlights, transcript_url, audio_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (provider_call_id) DO UPDATE SET
			household_id   = EXCLUDED.household_id,
			recipient_id   = EXCLUDED.recipient_id,
			mood_label     = EXCLUDED.mood_label,
			mood_score     = EXCLUDED.mood_score,
			criteria       = EXCLUDED.criteria,
			rating         = EXCLUDED.rating,
			summary        = EXCLUDED.summary,
			notes          = EXCLUDED.notes,
			highlights     = EXCLUDED.highlights,
			transcript_url = EXCLUDED.transcript_url,
			audio_url      = COALESCE(EXCLUDED.audio_url, call_summaries.audio_url),
			updated_at     = now()
	`, summary.ProviderCallID, summary.HouseholdID, summary.RecipientID, summary.MoodLabel, summary.MoodScore,
		criteria, summary.Rating, nullIfEmpty(summary.Summary), nullIfEmpty(summary.Notes),
		nullIfEmpty(summary.Highlights), nullIfEmpty(summary.TranscriptURL), summary.AudioURL)
	return benignDuplicate(err)
}

// AttachAudio sets the audio URL on an existing call log and its matching
// summary without touching any other field. Returns false when no call log
// exists for the provider call ID.
func (r *Repository) AttachAudio(ctx context.Context, providerCallID, audioURL string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE call_logs SET audio_url = $2, updated_at = now()
		WHERE provider_call_id = $1
	`, providerCallID, audioURL)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE call_summaries SET audio_url = $2, updated_at = now()
		WHERE provider_call_id = $1
	`, providerCallID, audioURL)
	return true, err
}

func scanCallLog(row pgx.Row) (*CallLog, error) {
	var log CallLog
	var calleePhone, batchID *string
	err := row.Scan(&log.ID, &log.Provider, &log.ProviderCallID, &log.HouseholdID, &log.RecipientID,
		&log.Outcome, &log.DurationSeconds, &calleePhone, &batchID, &log.ResolutionSource,
		&log.LowConfidence, &log.AudioURL, &log.CreatedAt, &log.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.CalleePhone = deref(calleePhone)
	log.BatchID = deref(batchID)
	return &log, nil
}

func scanBatchMapping(row pgx.Row) (*BatchCallMapping, error) {
	var mapping BatchCallMapping
	err := row.Scan(&mapping.ID, &mapping.BatchID, &mapping.PhoneE164, &mapping.HouseholdID,
		&mapping.RecipientID, &mapping.ProviderCallID, &mapping.ResolvedAt, &mapping.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// benignDuplicate treats a race-induced duplicate-key error as an
// already-written outcome; repeated delivery converges on the same row.
func benignDuplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil
	}
	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
