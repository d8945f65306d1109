// Package notification delivers operational alerts for call-event processing
// that needs human attention.
package notification

import (
	"context"
	"fmt"
	"net"
	"time"

	"careline_backend/internal/events"
	"careline_backend/platform/config"
	"careline_backend/platform/logger"

	gomail "github.com/wneessen/go-mail"
)

// AlertService emails the operations inbox when a delivery is flagged for
// manual review.
type AlertService struct {
	host      string
	port      int
	username  string
	password  string
	fromName  string
	fromEmail string
	opsEmail  string
	enabled   bool
	log       *logger.Logger
}

// NewAlertService creates the alert sender from the email configuration.
func NewAlertService(cfg config.EmailConfig, log *logger.Logger) *AlertService {
	return &AlertService{
		host:      cfg.GetSMTPHost(),
		port:      cfg.GetSMTPPort(),
		username:  cfg.GetSMTPUsername(),
		password:  cfg.GetSMTPPassword(),
		fromName:  cfg.GetEmailFromName(),
		fromEmail: cfg.GetEmailFromAddress(),
		opsEmail:  cfg.GetOpsAlertAddress(),
		enabled:   cfg.GetEmailEnabled() && cfg.GetOpsAlertAddress() != "",
		log:       log,
	}
}

// Subscribe registers the alert handlers on the event bus.
func (s *AlertService) Subscribe(bus events.Bus) {
	bus.Subscribe(events.CallIdentityAmbiguous{}.EventName(), events.HandlerFunc(s.handleAmbiguousIdentity))
}

func (s *AlertService) handleAmbiguousIdentity(ctx context.Context, event events.Event) error {
	ambiguous, ok := event.(events.CallIdentityAmbiguous)
	if !ok {
		return nil
	}
	if !s.enabled {
		s.log.Info("ops alerting disabled, skipping ambiguous-identity alert",
			"provider_call_id", ambiguous.ProviderCallID)
		return nil
	}

	subject := fmt.Sprintf("Ambiguous call identity: %s", ambiguous.ProviderCallID)
	body := fmt.Sprintf(
		"A call delivery could not be attached to a household.\n\n"+
			"Provider call ID: %s\n"+
			"Callee phone:     %s\n"+
			"Matching records: %d\n"+
			"Audit record:     %s\n\n"+
			"The delivery is preserved in the webhook audit log and needs a manual mapping.\n",
		ambiguous.ProviderCallID, ambiguous.CalleePhone, ambiguous.MatchCount, ambiguous.AuditID)

	if err := s.send(ctx, subject, body); err != nil {
		s.log.Error("send ambiguous-identity alert", "provider_call_id", ambiguous.ProviderCallID, "error", err)
		return err
	}
	return nil
}

func (s *AlertService) send(ctx context.Context, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(s.fromName, s.fromEmail); err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(s.opsEmail); err != nil {
		return fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	client, err := gomail.NewClient(s.host,
		gomail.WithPort(s.port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.username),
		gomail.WithPassword(s.password),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15*time.Second),
		gomail.WithDialContextFunc(func(dctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		}),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
