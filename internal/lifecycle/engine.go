// Package lifecycle drives events through notStarted, preshow, live and
// closed, and performs the side effects bound to each status: the
// ActiveBroadcast record and its watch, archive recording, and stopping the
// broadcast output. Side effects other than record creation never fail a
// transition; they are reported as degraded outcomes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/broadcast"
	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/log"
	"github.com/xpadev-net/live-event-orchestrator/internal/opentok"
	"github.com/xpadev-net/live-event-orchestrator/internal/reconcile"
	"github.com/xpadev-net/live-event-orchestrator/internal/webhook"
)

// EventStore persists events.
type EventStore interface {
	Create(ctx context.Context, params db.CreateEventParams) (*db.Event, error)
	GetByID(ctx context.Context, id string) (*db.Event, error)
	GetBySessionID(ctx context.Context, sessionID string) (*db.Event, error)
	ListBySlug(ctx context.Context, field db.SlugField, slug string) ([]*db.Event, error)
	ListByDomain(ctx context.Context, domainID string) ([]*db.Event, error)
	ListByAdmin(ctx context.Context, adminID string) ([]*db.Event, error)
	List(ctx context.Context) ([]*db.Event, error)
	Update(ctx context.Context, id string, patch db.EventPatch) (*db.Event, error)
	Delete(ctx context.Context, id string) error
	DeleteByAdmin(ctx context.Context, adminID string) ([]*db.Event, error)
}

// DomainStore reads tenants.
type DomainStore interface {
	Get(ctx context.Context, id string) (*db.Domain, error)
}

// SessionProvider is the part of the video provider the engine calls directly.
type SessionProvider interface {
	CreateSession(ctx context.Context, creds opentok.Credentials) (string, error)
	StartArchive(ctx context.Context, creds opentok.Credentials, sessionID, name string, uncomposed bool) (string, error)
	StopArchive(ctx context.Context, creds opentok.Credentials, archiveID string) error
}

// OutputStopper stops a record's broadcast output.
type OutputStopper interface {
	StopOutput(ctx context.Context, creds opentok.Credentials, rec *broadcast.Record) error
}

// Watcher begins a reconciler watch for a record.
type Watcher interface {
	Watch(key broadcast.Key) bool
}

// Notifier receives lifecycle webhooks.
type Notifier interface {
	Dispatch(p *webhook.Payload)
}

// Config holds engine settings.
type Config struct {
	ArchiveBucketURL  string
	InteractiveLimit  int
	ProviderTimeout   time.Duration
	StrictTransitions bool
}

// Deps are the collaborators of an Engine. Watcher, Stopper and Notifier
// may be nil.
type Deps struct {
	Events     EventStore
	Domains    DomainStore
	Broadcasts broadcast.Store
	Provider   SessionProvider
	Stopper    OutputStopper
	Watcher    Watcher
	Notifier   Notifier
}

// Engine owns event status transitions.
type Engine struct {
	events     EventStore
	domains    DomainStore
	broadcasts broadcast.Store
	provider   SessionProvider
	stopper    OutputStopper
	watcher    Watcher
	notifier   Notifier
	cfg        Config
	now        func() time.Time
}

// NewEngine creates an engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	return &Engine{
		events:     deps.Events,
		domains:    deps.Domains,
		broadcasts: deps.Broadcasts,
		provider:   deps.Provider,
		stopper:    deps.Stopper,
		watcher:    deps.Watcher,
		notifier:   deps.Notifier,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetWatcher attaches the reconciler supervisor. The supervisor resolves
// targets through the engine, so it is built after it.
func (e *Engine) SetWatcher(w Watcher) {
	e.watcher = w
}

// SetStopper attaches the component that stops broadcast outputs.
func (e *Engine) SetStopper(s OutputStopper) {
	e.stopper = s
}

// OutcomeStatus says how a side effect went.
type OutcomeStatus string

const (
	OutcomeOK       OutcomeStatus = "ok"
	OutcomeDegraded OutcomeStatus = "degraded"
)

// Side effect names.
const (
	EffectBroadcastRecord = "broadcast_record"
	EffectBroadcastWatch  = "broadcast_watch"
	EffectBroadcastStop   = "broadcast_stop"
	EffectArchiveStart    = "archive_start"
	EffectArchiveStop     = "archive_stop"
)

// Outcome reports one side effect of a transition.
type Outcome struct {
	Effect string        `json:"effect"`
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

func okOutcome(effect string) Outcome {
	return Outcome{Effect: effect, Status: OutcomeOK}
}

func degradedOutcome(effect string, reason error) Outcome {
	return Outcome{Effect: effect, Status: OutcomeDegraded, Reason: reason.Error()}
}

// TransitionResult is the stored event after a status change together with
// the outcomes of its side effects.
type TransitionResult struct {
	Event    *db.Event `json:"event"`
	Outcomes []Outcome `json:"outcomes"`
}

// Degraded reports whether any side effect failed.
func (r *TransitionResult) Degraded() bool {
	for _, o := range r.Outcomes {
		if o.Status == OutcomeDegraded {
			return true
		}
	}
	return false
}

func credentials(d *db.Domain) opentok.Credentials {
	return opentok.Credentials{APIKey: d.OTAPIKey, Secret: d.OTSecret}
}

func broadcastKey(ev *db.Event) broadcast.Key {
	return broadcast.Key{DomainID: ev.DomainID, FanURL: ev.FanURL}
}

// ArchiveURL is where the provider uploads a finished archive. Uncomposed
// archives are zip files of individual streams.
func ArchiveURL(bucketBaseURL, apiKey, archiveID string, uncomposed bool) string {
	ext := "mp4"
	if uncomposed {
		ext = "zip"
	}
	return fmt.Sprintf("%s/%s/%s/archive.%s", strings.TrimRight(bucketBaseURL, "/"), apiKey, archiveID, ext)
}

// ChangeStatus moves an event to status, merging patch into the stored
// event together with the fields the entry actions set.
func (e *Engine) ChangeStatus(ctx context.Context, id string, status db.EventStatus, patch db.EventPatch) (*TransitionResult, error) {
	event, err := e.events.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if err := ValidateTransition(event.Status, status, e.cfg.StrictTransitions); err != nil {
		return nil, err
	}
	if err := checkPatch(event, patch); err != nil {
		return nil, err
	}
	domain, err := e.domains.Get(ctx, event.DomainID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	patch.Status = &status
	next := *event
	patch.Apply(&next)
	reentry := event.Status == status

	var outcomes []Outcome
	switch status {
	case db.StatusPreshow:
		if !reentry {
			o, err := e.enterPreshow(ctx, event, &next, domain)
			if err != nil {
				return nil, err
			}
			outcomes = append(outcomes, o...)
		}
	case db.StatusLive:
		if !reentry {
			outcomes = e.enterLive(ctx, event, &next, domain, &patch)
		}
	case db.StatusClosed:
		outcomes = e.enterClosed(ctx, event, &next, domain, &patch)
	}

	updated, err := e.events.Update(ctx, id, patch)
	if err != nil {
		return nil, mapStoreError(err)
	}

	result := &TransitionResult{Event: updated, Outcomes: outcomes}
	e.report(updated, event.Status, result)
	return result, nil
}

func (e *Engine) enterPreshow(ctx context.Context, event, next *db.Event, domain *db.Domain) ([]Outcome, error) {
	var outcomes []Outcome
	// Leaving live (relaxed transitions) replaces the record, so the output
	// it holds is stopped first.
	if event.Status == db.StatusLive {
		outcomes = e.removeRecord(ctx, broadcastKey(event), credentials(domain))
	}

	key := broadcastKey(next)
	rec := e.newRecord(next, domain, db.StatusPreshow)
	if err := e.broadcasts.Create(ctx, key, rec); err != nil {
		return nil, fmt.Errorf("create active broadcast: %w", err)
	}
	return append(outcomes, okOutcome(EffectBroadcastRecord), e.watch(key)), nil
}

func (e *Engine) newRecord(ev *db.Event, domain *db.Domain, status db.EventStatus) *broadcast.Record {
	return &broadcast.Record{
		Name:             ev.Name,
		InteractiveLimit: e.cfg.InteractiveLimit,
		HLSEnabled:       domain.HLS,
		Status:           status,
		StartImage:       ev.StartImage,
		EndImage:         ev.EndImage,
		CreatedAt:        e.now(),
	}
}

func (e *Engine) watch(key broadcast.Key) Outcome {
	if e.watcher == nil {
		return okOutcome(EffectBroadcastWatch)
	}
	if !e.watcher.Watch(key) {
		// Another replica holds reconciler leadership and picks the record
		// up from the creation feed.
		log.Debug("broadcast watch deferred to leader", log.BroadcastKey(key.DomainID, key.FanURL))
	}
	return okOutcome(EffectBroadcastWatch)
}

func (e *Engine) enterLive(ctx context.Context, event, next *db.Event, domain *db.Domain, patch *db.EventPatch) []Outcome {
	var outcomes []Outcome
	if event.ShowStartedAt == nil {
		now := e.now()
		patch.ShowStartedAt = &now
	}

	archiving := event.ArchiveID != nil
	if next.ArchiveEvent && event.ArchiveID == nil {
		archiveCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
		archiveID, err := e.provider.StartArchive(archiveCtx, credentials(domain), next.StageSessionID, next.Name, next.Uncomposed)
		cancel()
		if err != nil {
			outcomes = append(outcomes, degradedOutcome(EffectArchiveStart, err))
		} else {
			patch.ArchiveID = &archiveID
			archiving = true
			outcomes = append(outcomes, okOutcome(EffectArchiveStart))
			e.dispatch(webhook.EventArchiveStarted, next, map[string]interface{}{"archive_id": archiveID})
		}
	}

	key := broadcastKey(next)
	live := db.StatusLive
	err := e.broadcasts.Merge(ctx, key, broadcast.Update{Status: &live, Archiving: &archiving})
	if errors.Is(err, broadcast.ErrNotFound) {
		// Reached live without a preshow record (relaxed transitions).
		rec := e.newRecord(next, domain, db.StatusLive)
		rec.Archiving = archiving
		if err = e.broadcasts.Create(ctx, key, rec); err == nil {
			outcomes = append(outcomes, e.watch(key))
		}
	}
	if err != nil {
		outcomes = append(outcomes, degradedOutcome(EffectBroadcastRecord, err))
	} else {
		outcomes = append(outcomes, okOutcome(EffectBroadcastRecord))
	}
	return outcomes
}

func (e *Engine) enterClosed(ctx context.Context, event, next *db.Event, domain *db.Domain, patch *db.EventPatch) []Outcome {
	var outcomes []Outcome
	creds := credentials(domain)

	// The record is removed first and its final state decides what to stop;
	// a start that completes afterwards finds no record and stops itself.
	// Closing again retries a failed removal while the key is still ours.
	if event.Status.IsOpen() || e.holdsKey(ctx, event) {
		outcomes = append(outcomes, e.removeRecord(ctx, broadcastKey(event), creds)...)
	}

	if event.ArchiveID != nil {
		stopCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
		err := e.provider.StopArchive(stopCtx, creds, *event.ArchiveID)
		cancel()
		if err != nil && !errors.Is(err, opentok.ErrArchiveNotActive) {
			outcomes = append(outcomes, degradedOutcome(EffectArchiveStop, err))
		} else {
			url := ArchiveURL(e.cfg.ArchiveBucketURL, domain.OTAPIKey, *event.ArchiveID, next.Uncomposed)
			patch.ArchiveURL = &url
			outcomes = append(outcomes, okOutcome(EffectArchiveStop))
			if err == nil {
				e.dispatch(webhook.EventArchiveStopped, next, map[string]interface{}{
					"archive_id":  *event.ArchiveID,
					"archive_url": url,
				})
			}
		}
	}

	if event.ShowEndedAt == nil {
		now := e.now()
		patch.ShowEndedAt = &now
	}
	return outcomes
}

// holdsKey reports whether event is the latest event on its fan URL, so
// the record under its key cannot belong to a newer event.
func (e *Engine) holdsKey(ctx context.Context, event *db.Event) bool {
	latest, err := e.GetEventByKey(ctx, event.DomainID, event.FanURL, db.SlugFan)
	if err != nil {
		log.Warn("broadcast key owner lookup failed", log.EventID(event.ID), zap.Error(err))
		return false
	}
	return latest.ID == event.ID
}

// removeRecord deletes the record at key and stops the output it recorded.
func (e *Engine) removeRecord(ctx context.Context, key broadcast.Key, creds opentok.Credentials) []Outcome {
	rec, err := e.broadcasts.Delete(ctx, key)
	if errors.Is(err, broadcast.ErrNotFound) {
		return nil
	}
	if err != nil {
		return []Outcome{degradedOutcome(EffectBroadcastRecord, err)}
	}

	outcomes := []Outcome{okOutcome(EffectBroadcastRecord)}
	if rec.BroadcastID == "" || e.stopper == nil {
		return outcomes
	}
	if err := e.stopper.StopOutput(ctx, creds, rec); err != nil {
		return append(outcomes, degradedOutcome(EffectBroadcastStop, err))
	}
	return append(outcomes, okOutcome(EffectBroadcastStop))
}

func (e *Engine) report(ev *db.Event, from db.EventStatus, result *TransitionResult) {
	fields := []zap.Field{
		log.EventID(ev.ID),
		log.BroadcastKey(ev.DomainID, ev.FanURL),
		zap.String("from", string(from)),
		zap.String("to", string(ev.Status)),
	}
	log.Info("event status changed", fields...)

	for _, o := range result.Outcomes {
		if o.Status != OutcomeDegraded {
			continue
		}
		log.Warn("side effect degraded", append(fields,
			zap.String("effect", o.Effect),
			zap.String("reason", o.Reason),
		)...)
		e.dispatch(webhook.EventSideEffectDegraded, ev, map[string]interface{}{
			"effect": o.Effect,
			"reason": o.Reason,
			"status": string(ev.Status),
		})
	}

	e.dispatch(webhook.EventStatusChanged, ev, map[string]interface{}{
		"from":     string(from),
		"to":       string(ev.Status),
		"outcomes": result.Outcomes,
	})
}

func (e *Engine) dispatch(t webhook.EventType, ev *db.Event, data map[string]interface{}) {
	if e.notifier == nil {
		return
	}
	e.notifier.Dispatch(&webhook.Payload{
		EventType: t,
		EventID:   ev.ID,
		DomainID:  ev.DomainID,
		FanURL:    ev.FanURL,
		Timestamp: e.now(),
		Data:      data,
	})
}

// ResolveTarget finds the open event behind an ActiveBroadcast record and
// its provider credentials.
func (e *Engine) ResolveTarget(ctx context.Context, key broadcast.Key) (*reconcile.Target, error) {
	event, err := e.GetEventByKey(ctx, key.DomainID, key.FanURL, db.SlugFan)
	if err != nil {
		return nil, err
	}
	domain, err := e.domains.Get(ctx, key.DomainID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &reconcile.Target{
		EventID:   event.ID,
		SessionID: event.StageSessionID,
		RTMPURL:   event.RTMPURL,
		Creds:     credentials(domain),
	}, nil
}
