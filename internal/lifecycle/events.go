package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xpadev-net/live-event-orchestrator/internal/broadcast"
	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/ids"
	"github.com/xpadev-net/live-event-orchestrator/internal/log"
	"github.com/xpadev-net/live-event-orchestrator/internal/opentok"
)

// CreateParams are the caller-supplied fields of a new event.
type CreateParams struct {
	DomainID      string
	AdminID       string
	Name          string
	FanURL        string
	HostURL       string
	CelebrityURL  string
	ArchiveEvent  bool
	Uncomposed    bool
	ProducerHost  bool
	RTMPURL       string
	RedirectURL   string
	StartImage    *db.Image
	EndImage      *db.Image
	DateTimeStart *time.Time
	DateTimeEnd   *time.Time
}

func (p CreateParams) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"domain_id", p.DomainID},
		{"admin_id", p.AdminID},
		{"name", p.Name},
		{"fan_url", p.FanURL},
		{"host_url", p.HostURL},
		{"celebrity_url", p.CelebrityURL},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return validationErrorf("missing %s", strings.Join(missing, ", "))
	}
	if p.DateTimeStart != nil && p.DateTimeEnd != nil && p.DateTimeEnd.Before(*p.DateTimeStart) {
		return validationErrorf("date_time_end is before date_time_start")
	}
	return nil
}

// Create creates the backstage and stage sessions of a new event and stores
// it as notStarted. Nothing is stored when either session fails.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*db.Event, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	domain, err := e.domains.Get(ctx, params.DomainID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	creds := credentials(domain)
	var sessionID, stageSessionID string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(gctx, e.cfg.ProviderTimeout)
		defer cancel()
		id, err := e.provider.CreateSession(sctx, creds)
		sessionID = id
		return err
	})
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(gctx, e.cfg.ProviderTimeout)
		defer cancel()
		id, err := e.provider.CreateSession(sctx, creds)
		stageSessionID = id
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error("failed to create event sessions",
			zap.String("domain_id", params.DomainID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: create session: %v", ErrUpstream, err)
	}

	event, err := e.events.Create(ctx, db.CreateEventParams{
		ID:             ids.NewEventID(),
		DomainID:       params.DomainID,
		AdminID:        params.AdminID,
		Name:           params.Name,
		FanURL:         params.FanURL,
		HostURL:        params.HostURL,
		CelebrityURL:   params.CelebrityURL,
		ArchiveEvent:   params.ArchiveEvent,
		Uncomposed:     params.Uncomposed,
		ProducerHost:   params.ProducerHost,
		SessionID:      sessionID,
		StageSessionID: stageSessionID,
		RTMPURL:        params.RTMPURL,
		RedirectURL:    params.RedirectURL,
		StartImage:     params.StartImage,
		EndImage:       params.EndImage,
		DateTimeStart:  params.DateTimeStart,
		DateTimeEnd:    params.DateTimeEnd,
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	log.Info("event created", log.EventID(event.ID), log.BroadcastKey(event.DomainID, event.FanURL))
	return event, nil
}

// checkPatch rejects caller patches that would break lifecycle invariants.
func checkPatch(event *db.Event, patch db.EventPatch) error {
	if patch.ArchiveID != nil || patch.ArchiveURL != nil || patch.ShowStartedAt != nil || patch.ShowEndedAt != nil {
		return validationErrorf("archive and show timestamps are managed by status changes")
	}
	if patch.FanURL != nil && *patch.FanURL != event.FanURL && event.Status.IsOpen() {
		return validationErrorf("fan_url cannot change while the event is %s", event.Status)
	}
	if patch.FanURL != nil && strings.TrimSpace(*patch.FanURL) == "" {
		return validationErrorf("fan_url cannot be empty")
	}
	return nil
}

// Update merges patch into the event. Status changes go through ChangeStatus.
func (e *Engine) Update(ctx context.Context, id string, patch db.EventPatch) (*db.Event, error) {
	if patch.Status != nil {
		return nil, validationErrorf("status is changed through the status endpoint")
	}
	event, err := e.events.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if err := checkPatch(event, patch); err != nil {
		return nil, err
	}
	updated, err := e.events.Update(ctx, id, patch)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return updated, nil
}

// DeleteEvent removes an event. An open event's ActiveBroadcast record is
// removed as well, which ends its watch.
func (e *Engine) DeleteEvent(ctx context.Context, id string) error {
	event, err := e.events.GetByID(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}
	if err := e.events.Delete(ctx, id); err != nil {
		return mapStoreError(err)
	}
	e.cleanupDeleted(ctx, event)
	log.Info("event deleted", log.EventID(id))
	return nil
}

// DeleteEventsByAdmin removes every event of an admin and returns how many
// were removed.
func (e *Engine) DeleteEventsByAdmin(ctx context.Context, adminID string) (int, error) {
	events, err := e.events.DeleteByAdmin(ctx, adminID)
	if err != nil {
		return 0, mapStoreError(err)
	}
	for _, ev := range events {
		e.cleanupDeleted(ctx, ev)
	}
	log.Info("admin events deleted", zap.String("admin_id", adminID), zap.Int("count", len(events)))
	return len(events), nil
}

func (e *Engine) cleanupDeleted(ctx context.Context, ev *db.Event) {
	if !ev.Status.IsOpen() {
		return
	}
	creds, err := e.credentialsFor(ctx, ev.DomainID)
	if err != nil {
		log.Warn("deleting broadcast record without provider credentials", log.EventID(ev.ID), zap.Error(err))
	}
	for _, o := range e.removeRecord(ctx, broadcastKey(ev), creds) {
		if o.Status == OutcomeDegraded {
			log.Warn("side effect degraded",
				log.EventID(ev.ID),
				log.BroadcastKey(ev.DomainID, ev.FanURL),
				zap.String("effect", o.Effect),
				zap.String("reason", o.Reason),
			)
		}
	}
}

func (e *Engine) credentialsFor(ctx context.Context, domainID string) (opentok.Credentials, error) {
	domain, err := e.domains.Get(ctx, domainID)
	if err != nil {
		return opentok.Credentials{}, mapStoreError(err)
	}
	return credentials(domain), nil
}

// GetEvent returns one event.
func (e *Engine) GetEvent(ctx context.Context, id string) (*db.Event, error) {
	event, err := e.events.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return event, nil
}

// GetEventBySessionID returns the event owning a backstage or stage session.
func (e *Engine) GetEventBySessionID(ctx context.Context, sessionID string) (*db.Event, error) {
	event, err := e.events.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return event, nil
}

// GetEvents returns every event grouped by domain, each domain in creation order.
func (e *Engine) GetEvents(ctx context.Context) ([]*db.Event, error) {
	events, err := e.events.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].DomainID < events[j].DomainID
	})
	return events, nil
}

// GetEventsByAdmin returns the public view of an admin's events that are not
// closed, oldest first.
func (e *Engine) GetEventsByAdmin(ctx context.Context, adminID string) ([]db.PublicEvent, error) {
	events, err := e.events.ListByAdmin(ctx, adminID)
	if err != nil {
		return nil, err
	}
	out := make([]db.PublicEvent, 0, len(events))
	for _, ev := range events {
		if ev.Status == db.StatusClosed {
			continue
		}
		out = append(out, ev.Public())
	}
	return out, nil
}

// GetEventsByDomainID returns a domain's events in creation order.
func (e *Engine) GetEventsByDomainID(ctx context.Context, domainID string) ([]*db.Event, error) {
	return e.events.ListByDomain(ctx, domainID)
}

// GetEventByKey returns the most recently created event of a domain whose
// slug field equals slug.
func (e *Engine) GetEventByKey(ctx context.Context, domainID, slug string, field db.SlugField) (*db.Event, error) {
	if !field.Valid() {
		return nil, validationErrorf("unknown slug field %q", field)
	}
	events, err := e.events.ListBySlug(ctx, field, slug)
	if err != nil {
		return nil, err
	}
	var last *db.Event
	for _, ev := range events {
		if ev.DomainID == domainID {
			last = ev
		}
	}
	if last == nil {
		return nil, fmt.Errorf("%w: no event with %s %q", ErrNotFound, field, slug)
	}
	return last, nil
}

// GetMostRecentEvent returns the latest created live event of a domain,
// falling back to the latest preshow event.
func (e *Engine) GetMostRecentEvent(ctx context.Context, domainID string) (*db.Event, error) {
	events, err := e.events.ListByDomain(ctx, domainID)
	if err != nil {
		return nil, err
	}
	var live, preshow *db.Event
	for _, ev := range events {
		switch ev.Status {
		case db.StatusLive:
			live = ev
		case db.StatusPreshow:
			preshow = ev
		}
	}
	if live != nil {
		return live, nil
	}
	if preshow != nil {
		return preshow, nil
	}
	return nil, fmt.Errorf("%w: no live or preshow event in domain", ErrNotFound)
}

// BuildEventKey is the external identifier of an event's fan page.
func BuildEventKey(fanURL, domainID string) string {
	return fanURL + "-" + domainID
}

// GetBroadcast returns the ActiveBroadcast record of an open event.
func (e *Engine) GetBroadcast(ctx context.Context, id string) (*db.Event, *broadcast.Record, error) {
	event, err := e.GetEvent(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !event.Status.IsOpen() {
		return event, nil, fmt.Errorf("%w: event %s has no active broadcast", ErrNotFound, event.Status)
	}
	rec, err := e.broadcasts.Get(ctx, broadcastKey(event))
	if errors.Is(err, broadcast.ErrNotFound) {
		return event, nil, fmt.Errorf("%w: active broadcast", ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	return event, rec, nil
}

// JoinFan marks a viewer as present on the open event behind a fan slug.
func (e *Engine) JoinFan(ctx context.Context, domainID, fanURL, viewerID string) error {
	return e.presence(ctx, domainID, fanURL, viewerID, e.broadcasts.AddFan)
}

// LeaveFan removes a viewer from the open event behind a fan slug.
func (e *Engine) LeaveFan(ctx context.Context, domainID, fanURL, viewerID string) error {
	return e.presence(ctx, domainID, fanURL, viewerID, e.broadcasts.RemoveFan)
}

func (e *Engine) presence(ctx context.Context, domainID, fanURL, viewerID string, op func(context.Context, broadcast.Key, string) error) error {
	if viewerID == "" {
		return validationErrorf("viewer id is required")
	}
	err := op(ctx, broadcast.Key{DomainID: domainID, FanURL: fanURL}, viewerID)
	if errors.Is(err, broadcast.ErrNotFound) {
		return fmt.Errorf("%w: no active broadcast for %s", ErrNotFound, fanURL)
	}
	return err
}
