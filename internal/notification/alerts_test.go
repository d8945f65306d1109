package notification

import (
	"context"
	"testing"

	"careline_backend/internal/events"
	"careline_backend/platform/config"
	"careline_backend/platform/logger"

	"github.com/google/uuid"
)

func TestAmbiguousIdentityAlertSkippedWhenDisabled(t *testing.T) {
	svc := NewAlertService(&config.Config{EmailEnabled: false}, logger.New("test"))

	err := svc.handleAmbiguousIdentity(context.Background(), events.CallIdentityAmbiguous{
		BaseEvent:      events.NewBaseEvent(),
		AuditID:        uuid.New(),
		ProviderCallID: "conv_1",
		CalleePhone:    "+14155550123",
		MatchCount:     2,
	})
	if err != nil {
		t.Fatalf("disabled alerting must not error: %v", err)
	}
}

func TestAlertHandlerIgnoresForeignEvents(t *testing.T) {
	svc := NewAlertService(&config.Config{EmailEnabled: true, OpsAlertAddress: "ops@example.com"}, logger.New("test"))

	err := svc.handleAmbiguousIdentity(context.Background(), events.CallResolved{BaseEvent: events.NewBaseEvent()})
	if err != nil {
		t.Fatalf("foreign event must be ignored: %v", err)
	}
}
