// Package directory manages households, care recipients, and the mapping
// records the call-event engine resolves identities against.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"
)

// Household groups the care recipients one family account manages.
type Household struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// CareRecipient is one elder the platform calls.
type CareRecipient struct {
	ID          uuid.UUID `json:"id"`
	HouseholdID uuid.UUID `json:"householdId"`
	FullName    string    `json:"fullName"`
	PhoneE164   string    `json:"phoneE164"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// BatchMapping links a scheduled outbound call to its recipient before the
// provider assigns a call ID.
type BatchMapping struct {
	ID          uuid.UUID `json:"id"`
	BatchID     string    `json:"batchId"`
	PhoneE164   string    `json:"phoneE164"`
	HouseholdID uuid.UUID `json:"householdId"`
	RecipientID uuid.UUID `json:"recipientId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Session links an in-app device call session to its recipient.
type Session struct {
	ID          uuid.UUID `json:"id"`
	SessionID   string    `json:"sessionId"`
	HouseholdID uuid.UUID `json:"householdId"`
	RecipientID uuid.UUID `json:"recipientId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ErrDuplicate marks unique-constraint violations for conflict mapping.
var ErrDuplicate = errors.New("record already exists")

// Repository provides data access for the directory module.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new directory repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateHousehold inserts a household and returns it.
func (r *Repository) CreateHousehold(ctx context.Context, name string) (*Household, error) {
	var h Household
	err := r.pool.QueryRow(ctx, `
		INSERT INTO households (name) VALUES ($1)
		RETURNING id, name, created_at
	`, name).Scan(&h.ID, &h.Name, &h.CreatedAt)
	if err != nil {
		return nil, mapDuplicate(err)
	}
	return &h, nil
}

// CreateRecipient inserts a care recipient.
func (r *Repository) CreateRecipient(ctx context.Context, householdID uuid.UUID, fullName, phoneE164 string) (*CareRecipient, error) {
	var rec CareRecipient
	err := r.pool.QueryRow(ctx, `
		INSERT INTO care_recipients (household_id, full_name, phone_e164)
		VALUES ($1, $2, $3)
		RETURNING id, household_id, full_name, phone_e164, created_at, updated_at
	`, householdID, fullName, phoneE164).Scan(&rec.ID, &rec.HouseholdID, &rec.FullName, &rec.PhoneE164, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, mapDuplicate(err)
	}
	return &rec, nil
}

// GetRecipient returns one care recipient, or nil when absent.
func (r *Repository) GetRecipient(ctx context.Context, id uuid.UUID) (*CareRecipient, error) {
	var rec CareRecipient
	err := r.pool.QueryRow(ctx, `
		SELECT id, household_id, full_name, phone_e164, created_at, updated_at
		FROM care_recipients
		WHERE id = $1
	`, id).Scan(&rec.ID, &rec.HouseholdID, &rec.FullName, &rec.PhoneE164, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecipients returns the care recipients of a household.
func (r *Repository) ListRecipients(ctx context.Context, householdID uuid.UUID) ([]CareRecipient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, household_id, full_name, phone_e164, created_at, updated_at
		FROM care_recipients
		WHERE household_id = $1
		ORDER BY full_name
	`, householdID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []CareRecipient
	for rows.Next() {
		var rec CareRecipient
		if err := rows.Scan(&rec.ID, &rec.HouseholdID, &rec.FullName, &rec.PhoneE164, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

// CreateBatchMapping inserts a scheduled-call mapping. Unique on
// (batch_id, phone_e164).
func (r *Repository) CreateBatchMapping(ctx context.Context, m BatchMapping) (*BatchMapping, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO batch_call_mappings (batch_id, phone_e164, household_id, recipient_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, m.BatchID, m.PhoneE164, m.HouseholdID, m.RecipientID).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, mapDuplicate(err)
	}
	return &m, nil
}

// CreateSession inserts a device call session. Unique on session_id.
func (r *Repository) CreateSession(ctx context.Context, s Session) (*Session, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO call_sessions (session_id, household_id, recipient_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, s.SessionID, s.HouseholdID, s.RecipientID).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return nil, mapDuplicate(err)
	}
	return &s, nil
}

// CreateSessionStub writes the seed call log for a new device session so a
// later webhook for the same call ID resolves directly.
func (r *Repository) CreateSessionStub(ctx context.Context, provider, providerCallID, resolutionSource string, householdID, recipientID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO call_logs (provider, provider_call_id, household_id, recipient_id, outcome, duration_seconds, resolution_source)
		VALUES ($1, $2, $3, $4, 'missed', 0, $5)
		ON CONFLICT (provider, provider_call_id) DO NOTHING
	`, provider, providerCallID, householdID, recipientID, resolutionSource)
	return err
}

func mapDuplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
