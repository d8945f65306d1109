package calls

import (
	internalhttp "careline_backend/internal/http"
)

// Module wires the call-history read API into the HTTP server.
type Module struct {
	handler *Handler
}

// NewModule creates the calls module.
func NewModule(handler *Handler) *Module {
	return &Module{handler: handler}
}

func (m *Module) Name() string { return "calls" }

// RegisterRoutes mounts the authenticated household endpoints.
func (m *Module) RegisterRoutes(ctx *internalhttp.RouterContext) {
	group := ctx.Protected.Group("/calls")
	group.GET("", m.handler.List)
	group.GET("/mood-trend", m.handler.MoodTrend)
	group.GET("/:providerCallId/summary", m.handler.GetSummary)
}
