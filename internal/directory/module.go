package directory

import (
	internalhttp "careline_backend/internal/http"
)

// Module wires the directory into the HTTP server.
type Module struct {
	handler *Handler
}

// NewModule creates the directory module.
func NewModule(handler *Handler) *Module {
	return &Module{handler: handler}
}

func (m *Module) Name() string { return "directory" }

// RegisterRoutes mounts the admin endpoints for seeding households,
// recipients, and call mappings.
func (m *Module) RegisterRoutes(ctx *internalhttp.RouterContext) {
	admin := ctx.Admin.Group("/directory")
	admin.POST("/households", m.handler.CreateHousehold)
	admin.GET("/households/:id/recipients", m.handler.ListRecipients)
	admin.POST("/recipients", m.handler.CreateRecipient)
	admin.POST("/batch-mappings", m.handler.CreateBatchMapping)
	admin.POST("/sessions", m.handler.CreateSession)
}
