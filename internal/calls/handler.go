package calls

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"careline_backend/platform/httpkit"
	"careline_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	defaultTrendDays = 30
	maxTrendDays     = 365
)

// AudioURLSigner exchanges stored object references for short-lived download
// URLs. Nil when object storage is not configured.
type AudioURLSigner interface {
	GenerateDownloadURL(ctx context.Context, providerCallID string) (string, error)
}

// Handler exposes the household call-history endpoints.
type Handler struct {
	repo   *Repository
	signer AudioURLSigner
	log    *logger.Logger
}

// NewHandler creates the calls handler.
func NewHandler(repo *Repository, signer AudioURLSigner, log *logger.Logger) *Handler {
	return &Handler{repo: repo, signer: signer, log: log}
}

// List handles GET /calls. Scope comes from the caller's household claim.
func (h *Handler) List(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}
	householdID := identity.HouseholdID()
	if householdID == nil {
		httpkit.Error(c, http.StatusForbidden, "no household scope", nil)
		return
	}

	limit := intQuery(c, "limit", defaultListLimit, maxListLimit)
	logs, err := h.repo.ListByHousehold(c.Request.Context(), *householdID, limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"calls": logs})
}

// GetSummary handles GET /calls/:providerCallId/summary.
func (h *Handler) GetSummary(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}
	householdID := identity.HouseholdID()
	if householdID == nil {
		httpkit.Error(c, http.StatusForbidden, "no household scope", nil)
		return
	}

	providerCallID := c.Param("providerCallId")
	summary, err := h.repo.GetSummary(c.Request.Context(), *householdID, providerCallID)
	if httpkit.HandleError(c, err) {
		return
	}
	if summary == nil {
		httpkit.Error(c, http.StatusNotFound, "call summary not found", nil)
		return
	}

	// Swap the internal object reference for a presigned URL.
	if h.signer != nil && summary.AudioURL != nil {
		if signed, err := h.signer.GenerateDownloadURL(c.Request.Context(), providerCallID); err == nil {
			summary.AudioURL = &signed
		} else {
			h.log.Error("sign audio url", "provider_call_id", providerCallID, "error", err)
			summary.AudioURL = nil
		}
	}
	httpkit.OK(c, summary)
}

// MoodTrend handles GET /calls/mood-trend.
func (h *Handler) MoodTrend(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}
	householdID := identity.HouseholdID()
	if householdID == nil {
		httpkit.Error(c, http.StatusForbidden, "no household scope", nil)
		return
	}

	var recipientID *uuid.UUID
	if raw := c.Query("recipientId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpkit.Error(c, http.StatusBadRequest, "invalid recipient id", nil)
			return
		}
		recipientID = &id
	}

	days := intQuery(c, "days", defaultTrendDays, maxTrendDays)
	since := time.Now().AddDate(0, 0, -days)

	points, err := h.repo.MoodTrend(c.Request.Context(), *householdID, recipientID, since)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"days": days, "points": points})
}

func intQuery(c *gin.Context, name string, fallback, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}
