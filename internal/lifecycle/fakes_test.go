package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xpadev-net/live-event-orchestrator/internal/broadcast"
	"github.com/xpadev-net/live-event-orchestrator/internal/broadcast/broadcasttest"
	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/opentok"
	"github.com/xpadev-net/live-event-orchestrator/internal/webhook"
)

type fakeEvents struct {
	mu     sync.Mutex
	order  []string
	events map[string]*db.Event
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{events: make(map[string]*db.Event)}
}

func clone(e *db.Event) *db.Event {
	c := *e
	return &c
}

func (f *fakeEvents) put(e *db.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[e.ID]; !ok {
		f.order = append(f.order, e.ID)
	}
	f.events[e.ID] = clone(e)
}

func (f *fakeEvents) Create(_ context.Context, p db.CreateEventParams) (*db.Event, error) {
	e := &db.Event{
		ID:             p.ID,
		DomainID:       p.DomainID,
		AdminID:        p.AdminID,
		Name:           p.Name,
		FanURL:         p.FanURL,
		HostURL:        p.HostURL,
		CelebrityURL:   p.CelebrityURL,
		Status:         db.StatusNotStarted,
		ArchiveEvent:   p.ArchiveEvent,
		Uncomposed:     p.Uncomposed,
		ProducerHost:   p.ProducerHost,
		SessionID:      p.SessionID,
		StageSessionID: p.StageSessionID,
		RTMPURL:        p.RTMPURL,
		RedirectURL:    p.RedirectURL,
		StartImage:     p.StartImage,
		EndImage:       p.EndImage,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.put(e)
	return clone(e), nil
}

func (f *fakeEvents) GetByID(_ context.Context, id string) (*db.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, db.ErrEventNotFound
	}
	return clone(e), nil
}

func (f *fakeEvents) GetBySessionID(_ context.Context, sessionID string) (*db.Event, error) {
	for _, e := range f.filter(func(e *db.Event) bool {
		return e.SessionID == sessionID || e.StageSessionID == sessionID
	}) {
		return e, nil
	}
	return nil, db.ErrEventNotFound
}

func (f *fakeEvents) filter(keep func(*db.Event) bool) []*db.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.Event
	for _, id := range f.order {
		if e, ok := f.events[id]; ok && keep(e) {
			out = append(out, clone(e))
		}
	}
	return out
}

func (f *fakeEvents) ListBySlug(_ context.Context, field db.SlugField, slug string) ([]*db.Event, error) {
	return f.filter(func(e *db.Event) bool { return e.Slug(field) == slug }), nil
}

func (f *fakeEvents) ListByDomain(_ context.Context, domainID string) ([]*db.Event, error) {
	return f.filter(func(e *db.Event) bool { return e.DomainID == domainID }), nil
}

func (f *fakeEvents) ListByAdmin(_ context.Context, adminID string) ([]*db.Event, error) {
	return f.filter(func(e *db.Event) bool { return e.AdminID == adminID }), nil
}

func (f *fakeEvents) List(context.Context) ([]*db.Event, error) {
	return f.filter(func(*db.Event) bool { return true }), nil
}

func (f *fakeEvents) Update(_ context.Context, id string, patch db.EventPatch) (*db.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, db.ErrEventNotFound
	}
	patch.Apply(e)
	e.UpdatedAt = time.Now()
	return clone(e), nil
}

func (f *fakeEvents) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[id]; !ok {
		return db.ErrEventNotFound
	}
	delete(f.events, id)
	return nil
}

func (f *fakeEvents) DeleteByAdmin(ctx context.Context, adminID string) ([]*db.Event, error) {
	deleted := f.filter(func(e *db.Event) bool { return e.AdminID == adminID })
	for _, e := range deleted {
		_ = f.Delete(ctx, e.ID)
	}
	return deleted, nil
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeDomains map[string]*db.Domain

func (f fakeDomains) Get(_ context.Context, id string) (*db.Domain, error) {
	d, ok := f[id]
	if !ok {
		return nil, db.ErrDomainNotFound
	}
	c := *d
	return &c, nil
}

type fakeProvider struct {
	mu              sync.Mutex
	sessions        int
	sessionErr      error
	archiveStarts   []string
	archiveStartErr error
	archiveStops    []string
	archiveStopErr  error
}

func (p *fakeProvider) CreateSession(context.Context, opentok.Credentials) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionErr != nil {
		return "", p.sessionErr
	}
	p.sessions++
	return fmt.Sprintf("session-%d", p.sessions), nil
}

func (p *fakeProvider) StartArchive(_ context.Context, _ opentok.Credentials, sessionID, _ string, _ bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archiveStarts = append(p.archiveStarts, sessionID)
	if p.archiveStartErr != nil {
		return "", p.archiveStartErr
	}
	return "A1", nil
}

func (p *fakeProvider) StopArchive(_ context.Context, _ opentok.Credentials, archiveID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archiveStops = append(p.archiveStops, archiveID)
	return p.archiveStopErr
}

type fakeStopper struct {
	stopped []string
	err     error
}

func (s *fakeStopper) StopOutput(_ context.Context, _ opentok.Credentials, rec *broadcast.Record) error {
	if rec == nil || rec.BroadcastID == "" {
		return nil
	}
	s.stopped = append(s.stopped, rec.BroadcastID)
	return s.err
}

type fakeWatcher struct {
	keys []broadcast.Key
}

func (w *fakeWatcher) Watch(key broadcast.Key) bool {
	w.keys = append(w.keys, key)
	return true
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []*webhook.Payload
}

func (n *recordingNotifier) Dispatch(p *webhook.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
}

func (n *recordingNotifier) has(t webhook.EventType) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.payloads {
		if p.EventType == t {
			return true
		}
	}
	return false
}

const (
	testDomain = "dom-1"
	testBucket = "https://archives.example.com/bucket"
)

type harness struct {
	engine     *Engine
	events     *fakeEvents
	broadcasts *broadcasttest.Store
	provider   *fakeProvider
	stopper    *fakeStopper
	watcher    *fakeWatcher
	notifier   *recordingNotifier
}

func newHarness(t *testing.T, strict bool) *harness {
	t.Helper()
	h := &harness{
		events:     newFakeEvents(),
		broadcasts: broadcasttest.New(),
		provider:   &fakeProvider{},
		stopper:    &fakeStopper{},
		watcher:    &fakeWatcher{},
		notifier:   &recordingNotifier{},
	}
	domains := fakeDomains{
		testDomain: {ID: testDomain, OTAPIKey: "ot-key", OTSecret: "ot-secret", HLS: true, HTTPSupport: true},
	}
	h.engine = NewEngine(Deps{
		Events:     h.events,
		Domains:    domains,
		Broadcasts: h.broadcasts,
		Provider:   h.provider,
		Stopper:    h.stopper,
		Watcher:    h.watcher,
		Notifier:   h.notifier,
	}, Config{
		ArchiveBucketURL:  testBucket,
		InteractiveLimit:  3,
		ProviderTimeout:   time.Second,
		StrictTransitions: strict,
	})

	// A clock that always moves forward keeps timestamps strictly ordered.
	var mu sync.Mutex
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}
	return h
}

func (h *harness) seed(t *testing.T, e *db.Event) *db.Event {
	t.Helper()
	if e.DomainID == "" {
		e.DomainID = testDomain
	}
	if e.Status == "" {
		e.Status = db.StatusNotStarted
	}
	if e.StageSessionID == "" {
		e.StageSessionID = "stage-" + e.ID
	}
	h.events.put(e)
	return e
}

func (h *harness) change(t *testing.T, id string, status db.EventStatus) *TransitionResult {
	t.Helper()
	result, err := h.engine.ChangeStatus(context.Background(), id, status, db.EventPatch{})
	if err != nil {
		t.Fatalf("ChangeStatus(%s) error = %v", status, err)
	}
	return result
}

func outcome(result *TransitionResult, effect string) (Outcome, bool) {
	for _, o := range result.Outcomes {
		if o.Effect == effect {
			return o, true
		}
	}
	return Outcome{}, false
}

var errProvider = errors.New("provider unavailable")
