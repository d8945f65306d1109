package directory

import (
	"context"
	"errors"

	"careline_backend/internal/callevents"
	"careline_backend/platform/apperr"
	"careline_backend/platform/logger"
	"careline_backend/platform/phone"
	"careline_backend/platform/sanitize"

	"github.com/google/uuid"
)

// CreateRecipientInput is the payload for registering a care recipient.
type CreateRecipientInput struct {
	HouseholdID string `json:"householdId" validate:"required,uuid4"`
	FullName    string `json:"fullName" validate:"required,min=2,max=200"`
	Phone       string `json:"phone" validate:"required,min=7,max=20"`
}

// CreateBatchMappingInput is the payload for pre-registering a scheduled call.
type CreateBatchMappingInput struct {
	BatchID     string `json:"batchId" validate:"required,min=1,max=100"`
	Phone       string `json:"phone" validate:"required,min=7,max=20"`
	HouseholdID string `json:"householdId" validate:"required,uuid4"`
	RecipientID string `json:"recipientId" validate:"required,uuid4"`
}

// CreateSessionInput is the payload for registering an in-app device session.
type CreateSessionInput struct {
	SessionID   string `json:"sessionId" validate:"required,min=1,max=100"`
	HouseholdID string `json:"householdId" validate:"required,uuid4"`
	RecipientID string `json:"recipientId" validate:"required,uuid4"`
}

// Service implements the directory operations.
type Service struct {
	repo *Repository
	log  *logger.Logger
}

// NewService creates the directory service.
func NewService(repo *Repository, log *logger.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// CreateHousehold registers a family account grouping.
func (s *Service) CreateHousehold(ctx context.Context, name string) (*Household, error) {
	name = sanitize.Text(name)
	if name == "" {
		return nil, apperr.Validation("household name is required")
	}
	return s.repo.CreateHousehold(ctx, name)
}

// CreateRecipient registers a care recipient with a normalized phone number.
func (s *Service) CreateRecipient(ctx context.Context, input CreateRecipientInput) (*CareRecipient, error) {
	householdID, err := uuid.Parse(input.HouseholdID)
	if err != nil {
		return nil, apperr.Validation("invalid household id")
	}

	normalized := phone.NormalizeE164(input.Phone)
	if normalized == "" {
		return nil, apperr.Validation("phone number could not be parsed")
	}

	rec, err := s.repo.CreateRecipient(ctx, householdID, sanitize.Text(input.FullName), normalized)
	if errors.Is(err, ErrDuplicate) {
		return nil, apperr.Conflict("care recipient already registered")
	}
	return rec, err
}

// ListRecipients returns a household's care recipients.
func (s *Service) ListRecipients(ctx context.Context, householdID uuid.UUID) ([]CareRecipient, error) {
	return s.repo.ListRecipients(ctx, householdID)
}

// CreateBatchMapping pre-registers a scheduled outbound call so the webhook
// can attach the resulting events.
func (s *Service) CreateBatchMapping(ctx context.Context, input CreateBatchMappingInput) (*BatchMapping, error) {
	householdID, recipientID, err := parseOwnerIDs(input.HouseholdID, input.RecipientID)
	if err != nil {
		return nil, err
	}

	normalized := phone.NormalizeE164(input.Phone)
	if normalized == "" {
		return nil, apperr.Validation("phone number could not be parsed")
	}

	if err := s.checkRecipient(ctx, householdID, recipientID); err != nil {
		return nil, err
	}

	mapping, err := s.repo.CreateBatchMapping(ctx, BatchMapping{
		BatchID:     input.BatchID,
		PhoneE164:   normalized,
		HouseholdID: householdID,
		RecipientID: recipientID,
	})
	if errors.Is(err, ErrDuplicate) {
		return nil, apperr.Conflict("mapping already exists for this batch and phone")
	}
	return mapping, err
}

// CreateSession registers an in-app device session and seeds a call-log stub
// so later webhook deliveries for the session resolve directly.
func (s *Service) CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error) {
	householdID, recipientID, err := parseOwnerIDs(input.HouseholdID, input.RecipientID)
	if err != nil {
		return nil, err
	}
	if err := s.checkRecipient(ctx, householdID, recipientID); err != nil {
		return nil, err
	}

	session, err := s.repo.CreateSession(ctx, Session{
		SessionID:   input.SessionID,
		HouseholdID: householdID,
		RecipientID: recipientID,
	})
	if errors.Is(err, ErrDuplicate) {
		return nil, apperr.Conflict("session already registered")
	}
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateSessionStub(ctx,
		callevents.ProviderDevice, input.SessionID, callevents.SourceSessionStart,
		householdID, recipientID); err != nil {
		// The session row alone still lets the webhook resolve via lookup.
		s.log.DatabaseError("create session stub", err)
	}
	return session, nil
}

func (s *Service) checkRecipient(ctx context.Context, householdID, recipientID uuid.UUID) error {
	rec, err := s.repo.GetRecipient(ctx, recipientID)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.NotFound("care recipient not found")
	}
	if rec.HouseholdID != householdID {
		return apperr.Validation("care recipient does not belong to household")
	}
	return nil
}

func parseOwnerIDs(householdRaw, recipientRaw string) (uuid.UUID, uuid.UUID, error) {
	householdID, err := uuid.Parse(householdRaw)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.Validation("invalid household id")
	}
	recipientID, err := uuid.Parse(recipientRaw)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.Validation("invalid recipient id")
	}
	return householdID, recipientID, nil
}
