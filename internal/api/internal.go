package api

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/httpapi"
	"github.com/xpadev-net/live-event-orchestrator/internal/ids"
	"github.com/xpadev-net/live-event-orchestrator/internal/log"
)

// UpsertDomainRequest provisions a tenant and its provider credentials.
type UpsertDomainRequest struct {
	Domain      string `json:"domain" binding:"required"`
	OTAPIKey    string `json:"ot_api_key" binding:"required"`
	OTSecret    string `json:"ot_secret" binding:"required"`
	HLS         bool   `json:"hls"`
	HTTPSupport bool   `json:"http_support"`
}

// UpsertDomain handles PUT /internal/v1/domains/:domain_id
func (h *Handler) UpsertDomain(c *gin.Context) {
	var req UpsertDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.RespondValidationError(c, "Invalid request body: "+err.Error())
		return
	}

	domain, err := h.domains.Upsert(c.Request.Context(), db.UpsertDomainParams{
		ID:          c.Param("domain_id"),
		Domain:      req.Domain,
		OTAPIKey:    req.OTAPIKey,
		OTSecret:    req.OTSecret,
		HLS:         req.HLS,
		HTTPSupport: req.HTTPSupport,
	})
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to save domain")
		return
	}

	log.Info("domain saved", zap.String("domain_id", domain.ID), zap.Bool("hls", domain.HLS))
	httpapi.RespondOK(c, domain)
}

// JoinFanRequest registers a viewer. A viewer id is assigned when absent.
type JoinFanRequest struct {
	ViewerID string `json:"viewer_id"`
}

// JoinFanResponse carries the id the viewer must use to leave.
type JoinFanResponse struct {
	ViewerID string `json:"viewer_id"`
}

// JoinFan handles POST /internal/v1/domains/:domain_id/fans/:slug/viewers
func (h *Handler) JoinFan(c *gin.Context) {
	var req JoinFanRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		httpapi.RespondValidationError(c, "Invalid request body: "+err.Error())
		return
	}
	if req.ViewerID == "" {
		req.ViewerID = ids.NewViewerID()
	}

	if err := h.events.JoinFan(c.Request.Context(), c.Param("domain_id"), c.Param("slug"), req.ViewerID); err != nil {
		httpapi.RespondServiceError(c, err, "Failed to register viewer")
		return
	}
	httpapi.RespondCreated(c, "", JoinFanResponse{ViewerID: req.ViewerID})
}

// LeaveFan handles DELETE /internal/v1/domains/:domain_id/fans/:slug/viewers/:viewer_id
func (h *Handler) LeaveFan(c *gin.Context) {
	if err := h.events.LeaveFan(c.Request.Context(), c.Param("domain_id"), c.Param("slug"), c.Param("viewer_id")); err != nil {
		httpapi.RespondServiceError(c, err, "Failed to remove viewer")
		return
	}
	httpapi.RespondNoContent(c)
}
