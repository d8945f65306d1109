// Package calls exposes persisted call history to authenticated family
// dashboards. It is read-only: all writes go through the webhook engine.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"
)

// CallLogView is one row of a household's call history.
type CallLogView struct {
	ID               uuid.UUID `json:"id"`
	Provider         string    `json:"provider"`
	ProviderCallID   string    `json:"providerCallId"`
	RecipientID      uuid.UUID `json:"recipientId"`
	RecipientName    string    `json:"recipientName"`
	Outcome          string    `json:"outcome"`
	DurationSeconds  int       `json:"durationSeconds"`
	ResolutionSource string    `json:"resolutionSource"`
	LowConfidence    bool      `json:"lowConfidence"`
	HasAudio         bool      `json:"hasAudio"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SummaryView is the analysis record for one call.
type SummaryView struct {
	ProviderCallID string          `json:"providerCallId"`
	RecipientID    uuid.UUID       `json:"recipientId"`
	MoodLabel      string          `json:"moodLabel"`
	MoodScore      *int            `json:"moodScore"`
	Criteria       json.RawMessage `json:"criteria"`
	Rating         string          `json:"rating"`
	Summary        *string         `json:"summary"`
	Notes          *string         `json:"notes"`
	Highlights     *string         `json:"highlights"`
	TranscriptURL  *string         `json:"transcriptUrl"`
	AudioURL       *string         `json:"audioUrl"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// MoodPoint is one day of aggregated mood for the trend endpoint.
type MoodPoint struct {
	Day             time.Time `json:"day"`
	Calls           int       `json:"calls"`
	AverageScore    *float64  `json:"averageScore"`
	ConcerningCalls int       `json:"concerningCalls"`
}

// Repository provides read access to call history.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new calls repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListByHousehold returns a household's call logs, newest first.
func (r *Repository) ListByHousehold(ctx context.Context, householdID uuid.UUID, limit int) ([]CallLogView, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cl.id, cl.provider, cl.provider_call_id, cl.recipient_id, COALESCE(cr.full_name, ''),
		       cl.outcome, cl.duration_seconds, cl.resolution_source, cl.low_confidence,
		       cl.audio_url IS NOT NULL, cl.created_at
		FROM call_logs cl
		LEFT JOIN care_recipients cr ON cr.id = cl.recipient_id
		WHERE cl.household_id = $1
		ORDER BY cl.created_at DESC
		LIMIT $2
	`, householdID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []CallLogView
	for rows.Next() {
		var v CallLogView
		if err := rows.Scan(&v.ID, &v.Provider, &v.ProviderCallID, &v.RecipientID, &v.RecipientName,
			&v.Outcome, &v.DurationSeconds, &v.ResolutionSource, &v.LowConfidence,
			&v.HasAudio, &v.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, v)
	}
	return logs, rows.Err()
}

// GetSummary returns the analysis record for one of the household's calls,
// or nil. The household filter doubles as the authorization check.
func (r *Repository) GetSummary(ctx context.Context, householdID uuid.UUID, providerCallID string) (*SummaryView, error) {
	var v SummaryView
	err := r.pool.QueryRow(ctx, `
		SELECT provider_call_id, recipient_id, mood_label, mood_score, criteria, rating,
		       summary, notes, highlights, transcript_url, audio_url, created_at
		FROM call_summaries
		WHERE household_id = $1 AND provider_call_id = $2
	`, householdID, providerCallID).Scan(&v.ProviderCallID, &v.RecipientID, &v.MoodLabel, &v.MoodScore,
		&v.Criteria, &v.Rating, &v.Summary, &v.Notes, &v.Highlights, &v.TranscriptURL, &v.AudioURL, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// MoodTrend aggregates per-day mood over a trailing window for one recipient,
// or the whole household when recipientID is nil.
func (r *Repository) MoodTrend(ctx context.Context, householdID uuid.UUID, recipientID *uuid.UUID, since time.Time) ([]MoodPoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date_trunc('day', created_at) AS day,
		       count(*),
		       avg(mood_score),
		       count(*) FILTER (WHERE mood_label = 'concerning')
		FROM call_summaries
		WHERE household_id = $1
		  AND created_at >= $2
		  AND ($3::uuid IS NULL OR recipient_id = $3)
		GROUP BY day
		ORDER BY day
	`, householdID, since, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []MoodPoint
	for rows.Next() {
		var p MoodPoint
		if err := rows.Scan(&p.Day, &p.Calls, &p.AverageScore, &p.ConcerningCalls); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
