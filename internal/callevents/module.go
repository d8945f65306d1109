package callevents

import (
	internalhttp "careline_backend/internal/http"
)

// Module wires the call-event engine into the HTTP server.
type Module struct {
	handler *Handler
}

// NewModule creates the callevents module.
func NewModule(handler *Handler) *Module {
	return &Module{handler: handler}
}

func (m *Module) Name() string { return "callevents" }

// RegisterRoutes mounts the public webhook endpoint. The route sits outside
// the authenticated groups; the HMAC signature is its authentication.
func (m *Module) RegisterRoutes(ctx *internalhttp.RouterContext) {
	webhook := ctx.V1.Group("/webhook")
	if ctx.WebhookRateLimiter != nil {
		webhook.Use(ctx.WebhookRateLimiter.RateLimit())
	}
	webhook.POST("/call-events", m.handler.Receive)
}
