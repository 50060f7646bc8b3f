package api

import (
	"github.com/gin-gonic/gin"

	"github.com/xpadev-net/live-event-orchestrator/internal/httpapi"
	"github.com/xpadev-net/live-event-orchestrator/internal/tokens"
)

// ProducerToken handles POST /api/v1/events/:event_id/tokens
func (h *Handler) ProducerToken(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	result, err := h.tokens.Producer(c.Request.Context(), id)
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to issue tokens")
		return
	}
	httpapi.RespondOK(c, result)
}

// FanToken handles POST /api/v1/domains/:domain_id/fans/:slug/tokens
func (h *Handler) FanToken(c *gin.Context) {
	result, err := h.tokens.Fan(c.Request.Context(), c.Param("domain_id"), c.Param("slug"))
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to issue tokens")
		return
	}
	httpapi.RespondOK(c, result)
}

// HostToken handles POST /api/v1/domains/:domain_id/hosts/:slug/tokens
func (h *Handler) HostToken(c *gin.Context) {
	h.stageToken(c, tokens.UserHost)
}

// CelebrityToken handles POST /api/v1/domains/:domain_id/celebrities/:slug/tokens
func (h *Handler) CelebrityToken(c *gin.Context) {
	h.stageToken(c, tokens.UserCelebrity)
}

func (h *Handler) stageToken(c *gin.Context, userType tokens.UserType) {
	result, err := h.tokens.HostOrCelebrity(c.Request.Context(), c.Param("domain_id"), c.Param("slug"), userType)
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to issue tokens")
		return
	}
	httpapi.RespondOK(c, result)
}

// CurrentEventTokenRequest selects the participant role for the domain's
// current event.
type CurrentEventTokenRequest struct {
	UserType string `json:"user_type" binding:"required"`
}

// CurrentEventToken handles POST /api/v1/domains/:domain_id/tokens
func (h *Handler) CurrentEventToken(c *gin.Context) {
	var req CurrentEventTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.RespondValidationError(c, "Invalid request body: "+err.Error())
		return
	}
	result, err := h.tokens.ByUserType(c.Request.Context(), c.Param("domain_id"), tokens.UserType(req.UserType))
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to issue tokens")
		return
	}
	httpapi.RespondOK(c, result)
}
