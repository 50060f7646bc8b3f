package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/broadcast"
	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/hls"
	"github.com/xpadev-net/live-event-orchestrator/internal/httpapi"
	"github.com/xpadev-net/live-event-orchestrator/internal/ids"
	"github.com/xpadev-net/live-event-orchestrator/internal/lifecycle"
	"github.com/xpadev-net/live-event-orchestrator/internal/log"
	"github.com/xpadev-net/live-event-orchestrator/internal/tokens"
)

// Events is the event lifecycle service.
type Events interface {
	Create(ctx context.Context, params lifecycle.CreateParams) (*db.Event, error)
	Update(ctx context.Context, id string, patch db.EventPatch) (*db.Event, error)
	ChangeStatus(ctx context.Context, id string, status db.EventStatus, patch db.EventPatch) (*lifecycle.TransitionResult, error)
	DeleteEvent(ctx context.Context, id string) error
	DeleteEventsByAdmin(ctx context.Context, adminID string) (int, error)

	GetEvent(ctx context.Context, id string) (*db.Event, error)
	GetEventBySessionID(ctx context.Context, sessionID string) (*db.Event, error)
	GetEvents(ctx context.Context) ([]*db.Event, error)
	GetEventsByAdmin(ctx context.Context, adminID string) ([]db.PublicEvent, error)
	GetEventsByDomainID(ctx context.Context, domainID string) ([]*db.Event, error)
	GetEventByKey(ctx context.Context, domainID, slug string, field db.SlugField) (*db.Event, error)
	GetMostRecentEvent(ctx context.Context, domainID string) (*db.Event, error)
	GetBroadcast(ctx context.Context, id string) (*db.Event, *broadcast.Record, error)

	JoinFan(ctx context.Context, domainID, fanURL, viewerID string) error
	LeaveFan(ctx context.Context, domainID, fanURL, viewerID string) error
}

// Tokens issues client tokens.
type Tokens interface {
	Producer(ctx context.Context, eventID string) (*tokens.Result, error)
	Fan(ctx context.Context, domainID, fanURL string) (*tokens.Result, error)
	HostOrCelebrity(ctx context.Context, domainID, slug string, userType tokens.UserType) (*tokens.Result, error)
	ByUserType(ctx context.Context, domainID string, userType tokens.UserType) (*tokens.Result, error)
}

// Domains provisions tenants.
type Domains interface {
	Upsert(ctx context.Context, params db.UpsertDomainParams) (*db.Domain, error)
}

// Prober inspects a broadcast's HLS playlist.
type Prober interface {
	Probe(ctx context.Context, playlistURL string) (*hls.Status, error)
}

// Handler holds dependencies for API handlers.
type Handler struct {
	events  Events
	tokens  Tokens
	domains Domains
	prober  Prober
}

// NewHandler creates a new API handler. prober may be nil, in which case
// stream status omits the playlist probe.
func NewHandler(events Events, tokens Tokens, domains Domains, prober Prober) *Handler {
	return &Handler{
		events:  events,
		tokens:  tokens,
		domains: domains,
		prober:  prober,
	}
}

// RegisterRoutes mounts the public API on v1 and the collaborator API on
// internal. writes is applied to mutating public routes.
func (h *Handler) RegisterRoutes(v1, internal *gin.RouterGroup, writes gin.HandlerFunc) {
	v1.POST("/events", writes, h.CreateEvent)
	v1.GET("/events", h.ListEvents)
	v1.GET("/events/:event_id", h.GetEvent)
	v1.PATCH("/events/:event_id", writes, h.UpdateEvent)
	v1.DELETE("/events/:event_id", writes, h.DeleteEvent)
	v1.PUT("/events/:event_id/status", writes, h.ChangeStatus)
	v1.GET("/events/:event_id/stream", h.GetStream)
	v1.POST("/events/:event_id/tokens", h.ProducerToken)

	v1.GET("/sessions/:session_id/event", h.GetEventBySession)

	v1.GET("/domains/:domain_id/events", h.ListDomainEvents)
	v1.GET("/domains/:domain_id/events/current", h.GetCurrentEvent)
	v1.GET("/domains/:domain_id/events/by-key", h.GetEventByKey)
	v1.POST("/domains/:domain_id/tokens", h.CurrentEventToken)
	v1.POST("/domains/:domain_id/fans/:slug/tokens", h.FanToken)
	v1.POST("/domains/:domain_id/hosts/:slug/tokens", h.HostToken)
	v1.POST("/domains/:domain_id/celebrities/:slug/tokens", h.CelebrityToken)

	v1.GET("/admins/:admin_id/events", h.ListAdminEvents)
	v1.DELETE("/admins/:admin_id/events", writes, h.DeleteAdminEvents)

	internal.PUT("/domains/:domain_id", h.UpsertDomain)
	internal.POST("/domains/:domain_id/fans/:slug/viewers", h.JoinFan)
	internal.DELETE("/domains/:domain_id/fans/:slug/viewers/:viewer_id", h.LeaveFan)
}

// eventID reads the event_id path parameter, answering 404 for ids that
// cannot exist.
func eventID(c *gin.Context) (string, bool) {
	id := c.Param("event_id")
	if !ids.IsValidEventID(id) {
		httpapi.RespondNotFound(c, "Event not found")
		return "", false
	}
	return id, true
}

// CreateEventRequest represents the request body for creating an event.
type CreateEventRequest struct {
	DomainID      string     `json:"domain_id" binding:"required"`
	AdminID       string     `json:"admin_id" binding:"required"`
	Name          string     `json:"name" binding:"required"`
	FanURL        string     `json:"fan_url" binding:"required"`
	HostURL       string     `json:"host_url" binding:"required"`
	CelebrityURL  string     `json:"celebrity_url" binding:"required"`
	ArchiveEvent  bool       `json:"archive_event"`
	Uncomposed    bool       `json:"uncomposed"`
	ProducerHost  bool       `json:"producer_host"`
	RTMPURL       string     `json:"rtmp_url"`
	RedirectURL   string     `json:"redirect_url"`
	StartImage    *db.Image  `json:"start_image,omitempty"`
	EndImage      *db.Image  `json:"end_image,omitempty"`
	DateTimeStart *time.Time `json:"date_time_start,omitempty"`
	DateTimeEnd   *time.Time `json:"date_time_end,omitempty"`
}

// CreateEvent handles POST /api/v1/events
func (h *Handler) CreateEvent(c *gin.Context) {
	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.RespondValidationError(c, "Invalid request body: "+err.Error())
		return
	}

	event, err := h.events.Create(c.Request.Context(), lifecycle.CreateParams{
		DomainID:      req.DomainID,
		AdminID:       req.AdminID,
		Name:          req.Name,
		FanURL:        req.FanURL,
		HostURL:       req.HostURL,
		CelebrityURL:  req.CelebrityURL,
		ArchiveEvent:  req.ArchiveEvent,
		Uncomposed:    req.Uncomposed,
		ProducerHost:  req.ProducerHost,
		RTMPURL:       req.RTMPURL,
		RedirectURL:   req.RedirectURL,
		StartImage:    req.StartImage,
		EndImage:      req.EndImage,
		DateTimeStart: req.DateTimeStart,
		DateTimeEnd:   req.DateTimeEnd,
	})
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to create event")
		return
	}

	log.Info("event created",
		log.EventID(event.ID),
		zap.String("domain_id", event.DomainID),
		zap.String("fan_url", event.FanURL),
	)
	httpapi.RespondCreated(c, "/api/v1/events/"+event.ID, event)
}

// UpdateEventRequest represents a partial event update. Absent fields are
// left unchanged.
type UpdateEventRequest struct {
	Name          *string    `json:"name,omitempty"`
	FanURL        *string    `json:"fan_url,omitempty"`
	HostURL       *string    `json:"host_url,omitempty"`
	CelebrityURL  *string    `json:"celebrity_url,omitempty"`
	ArchiveEvent  *bool      `json:"archive_event,omitempty"`
	Uncomposed    *bool      `json:"uncomposed,omitempty"`
	ProducerHost  *bool      `json:"producer_host,omitempty"`
	RTMPURL       *string    `json:"rtmp_url,omitempty"`
	RedirectURL   *string    `json:"redirect_url,omitempty"`
	StartImage    *db.Image  `json:"start_image,omitempty"`
	EndImage      *db.Image  `json:"end_image,omitempty"`
	DateTimeStart *time.Time `json:"date_time_start,omitempty"`
	DateTimeEnd   *time.Time `json:"date_time_end,omitempty"`
}

func (r UpdateEventRequest) patch() db.EventPatch {
	return db.EventPatch{
		Name:          r.Name,
		FanURL:        r.FanURL,
		HostURL:       r.HostURL,
		CelebrityURL:  r.CelebrityURL,
		ArchiveEvent:  r.ArchiveEvent,
		Uncomposed:    r.Uncomposed,
		ProducerHost:  r.ProducerHost,
		RTMPURL:       r.RTMPURL,
		RedirectURL:   r.RedirectURL,
		StartImage:    r.StartImage,
		EndImage:      r.EndImage,
		DateTimeStart: r.DateTimeStart,
		DateTimeEnd:   r.DateTimeEnd,
	}
}

// UpdateEvent handles PATCH /api/v1/events/:event_id
func (h *Handler) UpdateEvent(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var req UpdateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.RespondValidationError(c, "Invalid request body: "+err.Error())
		return
	}
	patch := req.patch()
	if patch.IsEmpty() {
		httpapi.RespondValidationError(c, "No fields to update")
		return
	}

	event, err := h.events.Update(c.Request.Context(), id, patch)
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to update event")
		return
	}
	httpapi.RespondOK(c, event)
}

// ChangeStatusRequest moves an event through its lifecycle, optionally
// updating fields in the same write.
type ChangeStatusRequest struct {
	Status string `json:"status" binding:"required"`
	UpdateEventRequest
}

// ChangeStatusResponse is the stored event and the outcome of every side
// effect the transition ran.
type ChangeStatusResponse struct {
	Event    *db.Event           `json:"event"`
	Outcomes []lifecycle.Outcome `json:"outcomes"`
	Degraded bool                `json:"degraded"`
}

// ChangeStatus handles PUT /api/v1/events/:event_id/status
func (h *Handler) ChangeStatus(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var req ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.RespondValidationError(c, "Invalid request body: "+err.Error())
		return
	}
	status, err := db.ParseEventStatus(req.Status)
	if err != nil {
		httpapi.RespondValidationError(c, err.Error())
		return
	}

	result, err := h.events.ChangeStatus(c.Request.Context(), id, status, req.patch())
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to change event status")
		return
	}
	outcomes := result.Outcomes
	if outcomes == nil {
		outcomes = []lifecycle.Outcome{}
	}
	httpapi.RespondOK(c, ChangeStatusResponse{
		Event:    result.Event,
		Outcomes: outcomes,
		Degraded: result.Degraded(),
	})
}

// GetEvent handles GET /api/v1/events/:event_id
func (h *Handler) GetEvent(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	event, err := h.events.GetEvent(c.Request.Context(), id)
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to get event")
		return
	}
	httpapi.RespondOK(c, event)
}

// DeleteEvent handles DELETE /api/v1/events/:event_id
func (h *Handler) DeleteEvent(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	if err := h.events.DeleteEvent(c.Request.Context(), id); err != nil {
		httpapi.RespondServiceError(c, err, "Failed to delete event")
		return
	}
	httpapi.RespondNoContent(c)
}

func respondEvents(c *gin.Context, events []*db.Event) {
	httpapi.RespondList(c, "events", events)
}

// ListEvents handles GET /api/v1/events
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.events.GetEvents(c.Request.Context())
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to list events")
		return
	}
	respondEvents(c, events)
}

// ListDomainEvents handles GET /api/v1/domains/:domain_id/events
func (h *Handler) ListDomainEvents(c *gin.Context) {
	events, err := h.events.GetEventsByDomainID(c.Request.Context(), c.Param("domain_id"))
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to list events")
		return
	}
	respondEvents(c, events)
}

// GetEventBySession handles GET /api/v1/sessions/:session_id/event
func (h *Handler) GetEventBySession(c *gin.Context) {
	event, err := h.events.GetEventBySessionID(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to get event")
		return
	}
	httpapi.RespondOK(c, event)
}

// GetCurrentEvent handles GET /api/v1/domains/:domain_id/events/current
func (h *Handler) GetCurrentEvent(c *gin.Context) {
	event, err := h.events.GetMostRecentEvent(c.Request.Context(), c.Param("domain_id"))
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to get current event")
		return
	}
	httpapi.RespondOK(c, event)
}

// EventByKeyResponse is an event found by one of its slugs.
type EventByKeyResponse struct {
	Event    *db.Event `json:"event"`
	EventKey string    `json:"event_key"`
}

// GetEventByKey handles GET /api/v1/domains/:domain_id/events/by-key?slug=&field=
// field defaults to fan_url.
func (h *Handler) GetEventByKey(c *gin.Context) {
	slug := c.Query("slug")
	if slug == "" {
		httpapi.RespondValidationError(c, "slug is required")
		return
	}
	field := db.SlugField(c.DefaultQuery("field", string(db.SlugFan)))

	domainID := c.Param("domain_id")
	event, err := h.events.GetEventByKey(c.Request.Context(), domainID, slug, field)
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to get event")
		return
	}
	httpapi.RespondOK(c, EventByKeyResponse{
		Event:    event,
		EventKey: lifecycle.BuildEventKey(event.FanURL, domainID),
	})
}

// ListAdminEvents handles GET /api/v1/admins/:admin_id/events
func (h *Handler) ListAdminEvents(c *gin.Context) {
	events, err := h.events.GetEventsByAdmin(c.Request.Context(), c.Param("admin_id"))
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to list events")
		return
	}
	httpapi.RespondList(c, "events", events)
}

// DeleteAdminEventsResponse reports how many events were removed.
type DeleteAdminEventsResponse struct {
	Deleted int `json:"deleted"`
}

// DeleteAdminEvents handles DELETE /api/v1/admins/:admin_id/events
func (h *Handler) DeleteAdminEvents(c *gin.Context) {
	n, err := h.events.DeleteEventsByAdmin(c.Request.Context(), c.Param("admin_id"))
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to delete events")
		return
	}
	httpapi.RespondOK(c, DeleteAdminEventsResponse{Deleted: n})
}

// StreamResponse describes the running broadcast of an open event.
type StreamResponse struct {
	EventID   string            `json:"event_id"`
	Broadcast *broadcast.Record `json:"broadcast"`
	HLS       *hls.Status       `json:"hls,omitempty"`
	HLSError  string            `json:"hls_error,omitempty"`
}

// GetStream handles GET /api/v1/events/:event_id/stream
func (h *Handler) GetStream(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	_, rec, err := h.events.GetBroadcast(c.Request.Context(), id)
	if err != nil {
		httpapi.RespondServiceError(c, err, "Failed to get broadcast")
		return
	}

	resp := StreamResponse{EventID: id, Broadcast: rec}
	if rec.HLSURL != "" && h.prober != nil {
		status, err := h.prober.Probe(c.Request.Context(), rec.HLSURL)
		if err != nil {
			log.Warn("hls probe failed", log.EventID(id), zap.String("hls_url", rec.HLSURL), zap.Error(err))
			resp.HLSError = err.Error()
		} else {
			resp.HLS = status
		}
	}
	httpapi.RespondOK(c, resp)
}
