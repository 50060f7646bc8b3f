package db

import (
	"fmt"
	"time"
)

// EventStatus represents the lifecycle status of an event.
type EventStatus string

const (
	StatusNotStarted EventStatus = "notStarted"
	StatusPreshow    EventStatus = "preshow"
	StatusLive       EventStatus = "live"
	StatusClosed     EventStatus = "closed"
)

var statusRank = map[EventStatus]int{
	StatusNotStarted: 0,
	StatusPreshow:    1,
	StatusLive:       2,
	StatusClosed:     3,
}

// Valid reports whether s is one of the four lifecycle statuses.
func (s EventStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank returns the position of s in the lifecycle, or -1 if s is unknown.
func (s EventStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// IsOpen returns true if the event has reached preshow or live.
func (s EventStatus) IsOpen() bool {
	return s == StatusPreshow || s == StatusLive
}

// ParseEventStatus converts a string into an EventStatus.
func ParseEventStatus(v string) (EventStatus, error) {
	s := EventStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown event status %q", v)
	}
	return s, nil
}

// SlugField names one of the three per-event URL slugs.
type SlugField string

const (
	SlugFan       SlugField = "fan_url"
	SlugHost      SlugField = "host_url"
	SlugCelebrity SlugField = "celebrity_url"
)

// Valid reports whether f names a slug column.
func (f SlugField) Valid() bool {
	return f == SlugFan || f == SlugHost || f == SlugCelebrity
}

// Image references an uploaded image shown before or after a show.
type Image struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Event represents a scheduled live show.
type Event struct {
	ID             string      `json:"id"`
	DomainID       string      `json:"domain_id"`
	AdminID        string      `json:"admin_id"`
	Name           string      `json:"name"`
	FanURL         string      `json:"fan_url"`
	HostURL        string      `json:"host_url"`
	CelebrityURL   string      `json:"celebrity_url"`
	Status         EventStatus `json:"status"`
	ArchiveEvent   bool        `json:"archive_event"`
	Uncomposed     bool        `json:"uncomposed"`
	ProducerHost   bool        `json:"producer_host"`
	SessionID      string      `json:"session_id"`
	StageSessionID string      `json:"stage_session_id"`
	ArchiveID      *string     `json:"archive_id,omitempty"`
	ArchiveURL     *string     `json:"archive_url,omitempty"`
	RTMPURL        string      `json:"rtmp_url"`
	RedirectURL    string      `json:"redirect_url"`
	StartImage     *Image      `json:"start_image,omitempty"`
	EndImage       *Image      `json:"end_image,omitempty"`
	DateTimeStart  *time.Time  `json:"date_time_start,omitempty"`
	DateTimeEnd    *time.Time  `json:"date_time_end,omitempty"`
	ShowStartedAt  *time.Time  `json:"show_started_at,omitempty"`
	ShowEndedAt    *time.Time  `json:"show_ended_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Slug returns the value of the given slug field.
func (e *Event) Slug(field SlugField) string {
	switch field {
	case SlugHost:
		return e.HostURL
	case SlugCelebrity:
		return e.CelebrityURL
	default:
		return e.FanURL
	}
}

// PublicEvent is the projection of an event that is safe to show to
// viewers. It carries no session identifiers or archive data.
type PublicEvent struct {
	ID            string      `json:"id"`
	AdminID       string      `json:"admin_id"`
	Name          string      `json:"name"`
	StartImage    *Image      `json:"start_image,omitempty"`
	EndImage      *Image      `json:"end_image,omitempty"`
	FanURL        string      `json:"fan_url"`
	CelebrityURL  string      `json:"celebrity_url"`
	HostURL       string      `json:"host_url"`
	Status        EventStatus `json:"status"`
	DateTimeStart *time.Time  `json:"date_time_start,omitempty"`
	DateTimeEnd   *time.Time  `json:"date_time_end,omitempty"`
}

// Public returns the public projection of e.
func (e *Event) Public() PublicEvent {
	return PublicEvent{
		ID:            e.ID,
		AdminID:       e.AdminID,
		Name:          e.Name,
		StartImage:    e.StartImage,
		EndImage:      e.EndImage,
		FanURL:        e.FanURL,
		CelebrityURL:  e.CelebrityURL,
		HostURL:       e.HostURL,
		Status:        e.Status,
		DateTimeStart: e.DateTimeStart,
		DateTimeEnd:   e.DateTimeEnd,
	}
}

// EventPatch holds a partial update. Nil fields are left untouched.
type EventPatch struct {
	Name          *string
	FanURL        *string
	HostURL       *string
	CelebrityURL  *string
	Status        *EventStatus
	ArchiveEvent  *bool
	Uncomposed    *bool
	ProducerHost  *bool
	ArchiveID     *string
	ArchiveURL    *string
	RTMPURL       *string
	RedirectURL   *string
	StartImage    *Image
	EndImage      *Image
	DateTimeStart *time.Time
	DateTimeEnd   *time.Time
	ShowStartedAt *time.Time
	ShowEndedAt   *time.Time
}

// IsEmpty reports whether the patch changes nothing.
func (p EventPatch) IsEmpty() bool {
	return p == EventPatch{}
}

// Apply copies the set fields of p onto e.
func (p EventPatch) Apply(e *Event) {
	setString(&e.Name, p.Name)
	setString(&e.FanURL, p.FanURL)
	setString(&e.HostURL, p.HostURL)
	setString(&e.CelebrityURL, p.CelebrityURL)
	setString(&e.RTMPURL, p.RTMPURL)
	setString(&e.RedirectURL, p.RedirectURL)
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.ArchiveEvent != nil {
		e.ArchiveEvent = *p.ArchiveEvent
	}
	if p.Uncomposed != nil {
		e.Uncomposed = *p.Uncomposed
	}
	if p.ProducerHost != nil {
		e.ProducerHost = *p.ProducerHost
	}
	if p.ArchiveID != nil {
		e.ArchiveID = p.ArchiveID
	}
	if p.ArchiveURL != nil {
		e.ArchiveURL = p.ArchiveURL
	}
	if p.StartImage != nil {
		e.StartImage = p.StartImage
	}
	if p.EndImage != nil {
		e.EndImage = p.EndImage
	}
	if p.DateTimeStart != nil {
		e.DateTimeStart = p.DateTimeStart
	}
	if p.DateTimeEnd != nil {
		e.DateTimeEnd = p.DateTimeEnd
	}
	if p.ShowStartedAt != nil {
		e.ShowStartedAt = p.ShowStartedAt
	}
	if p.ShowEndedAt != nil {
		e.ShowEndedAt = p.ShowEndedAt
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Domain represents a tenant with its own session provider credentials.
type Domain struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	OTAPIKey    string    `json:"ot_api_key"`
	OTSecret    string    `json:"-"`
	HLS         bool      `json:"hls"`
	HTTPSupport bool      `json:"http_support"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
