package callevents

import (
	"io"
	"net/http"

	"careline_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

// maxBodyBytes caps webhook bodies. Audio events carry inline base64, so
// the cap is generous.
const maxBodyBytes = 32 << 20

// Handler is the webhook transport: signature verification, then hand-off
// to the service. Everything past a valid signature is acknowledged 200.
type Handler struct {
	service  *Service
	verifier *SignatureVerifier
	log      *logger.Logger
}

// NewHandler creates the webhook handler.
func NewHandler(service *Service, verifier *SignatureVerifier, log *logger.Logger) *Handler {
	return &Handler{service: service, verifier: verifier, log: log}
}

// Receive handles POST /webhook/call-events.
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.log.Warn("read webhook body", "error", err)
		c.String(http.StatusBadRequest, "invalid body")
		return
	}

	if err := h.verifier.Verify(c.GetHeader(SignatureHeader), body); err != nil {
		h.log.SignatureRejected(err.Error(), c.ClientIP())
		c.String(http.StatusUnauthorized, "invalid signature")
		return
	}

	outcome := h.service.ProcessDelivery(c.Request.Context(), body)
	c.String(http.StatusOK, outcome.Ack())
}
