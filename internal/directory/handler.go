package directory

import (
	"net/http"

	"careline_backend/platform/httpkit"
	"careline_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler exposes the directory's admin HTTP endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validator
}

// NewHandler creates the directory handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, validate: validator.New()}
}

type createHouseholdRequest struct {
	Name string `json:"name" validate:"required,min=2,max=200"`
}

// CreateHousehold handles POST /admin/directory/households.
func (h *Handler) CreateHousehold(c *gin.Context) {
	var req createHouseholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	household, err := h.service.CreateHousehold(c.Request.Context(), req.Name)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, household)
}

// CreateRecipient handles POST /admin/directory/recipients.
func (h *Handler) CreateRecipient(c *gin.Context) {
	var input CreateRecipientInput
	if err := c.ShouldBindJSON(&input); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	recipient, err := h.service.CreateRecipient(c.Request.Context(), input)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, recipient)
}

// ListRecipients handles GET /admin/directory/households/:id/recipients.
func (h *Handler) ListRecipients(c *gin.Context) {
	householdID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid household id", nil)
		return
	}

	recipients, err := h.service.ListRecipients(c.Request.Context(), householdID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"recipients": recipients})
}

// CreateBatchMapping handles POST /admin/directory/batch-mappings.
func (h *Handler) CreateBatchMapping(c *gin.Context) {
	var input CreateBatchMappingInput
	if err := c.ShouldBindJSON(&input); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	mapping, err := h.service.CreateBatchMapping(c.Request.Context(), input)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, mapping)
}

// CreateSession handles POST /admin/directory/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var input CreateSessionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	session, err := h.service.CreateSession(c.Request.Context(), input)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, session)
}
