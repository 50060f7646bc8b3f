// Package broadcasttest provides an in-memory broadcast.Store for tests.
package broadcasttest

import (
	"context"
	"sync"
	"time"

	"github.com/xpadev-net/live-event-orchestrator/internal/broadcast"
)

// Store is an in-memory broadcast.Store with the same notification
// semantics as the Redis store: every write notifies watchers of the key,
// and watcher channels coalesce.
type Store struct {
	mu       sync.Mutex
	records  map[broadcast.Key]*broadcast.Record
	watchers map[broadcast.Key]map[chan broadcast.Change]struct{}
	created  map[chan broadcast.Change]struct{}

	// Merges counts successful Merge calls per key.
	Merges map[broadcast.Key]int
	// MergeErr, when set, fails every Merge.
	MergeErr error
	// DeleteErr, when set, fails every Delete.
	DeleteErr error
}

var _ broadcast.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		records:  make(map[broadcast.Key]*broadcast.Record),
		watchers: make(map[broadcast.Key]map[chan broadcast.Change]struct{}),
		created:  make(map[chan broadcast.Change]struct{}),
		Merges:   make(map[broadcast.Key]int),
	}
}

func (s *Store) notifyLocked(kind broadcast.ChangeKind, key broadcast.Key) {
	for ch := range s.watchers[key] {
		broadcast.Notify(ch, broadcast.Change{Kind: kind, Key: key})
	}
}

func copyRecord(r *broadcast.Record) *broadcast.Record {
	c := *r
	c.ActiveFans = make(map[string]time.Time, len(r.ActiveFans))
	for k, v := range r.ActiveFans {
		c.ActiveFans[k] = v
	}
	return &c
}

func (s *Store) Create(_ context.Context, key broadcast.Key, rec *broadcast.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	stored := copyRecord(rec)
	stored.ActiveFans = make(map[string]time.Time)
	s.records[key] = stored
	s.notifyLocked(broadcast.ChangeCreated, key)
	for ch := range s.created {
		select {
		case ch <- broadcast.Change{Kind: broadcast.ChangeCreated, Key: key}:
		default:
		}
	}
	return nil
}

func (s *Store) Get(_ context.Context, key broadcast.Key) (*broadcast.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, broadcast.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *Store) Merge(_ context.Context, key broadcast.Key, u broadcast.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MergeErr != nil {
		return s.MergeErr
	}
	rec, ok := s.records[key]
	if !ok {
		return broadcast.ErrNotFound
	}
	u.Apply(rec)
	s.Merges[key]++
	s.notifyLocked(broadcast.ChangeUpdated, key)
	return nil
}

func (s *Store) Delete(_ context.Context, key broadcast.Key) (*broadcast.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return nil, s.DeleteErr
	}
	rec, ok := s.records[key]
	delete(s.records, key)
	s.notifyLocked(broadcast.ChangeDeleted, key)
	if !ok {
		return nil, broadcast.ErrNotFound
	}
	return rec, nil
}

func (s *Store) AddFan(_ context.Context, key broadcast.Key, viewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return broadcast.ErrNotFound
	}
	rec.ActiveFans[viewerID] = time.Now()
	s.notifyLocked(broadcast.ChangeUpdated, key)
	return nil
}

func (s *Store) RemoveFan(_ context.Context, key broadcast.Key, viewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return broadcast.ErrNotFound
	}
	delete(rec.ActiveFans, viewerID)
	s.notifyLocked(broadcast.ChangeUpdated, key)
	return nil
}

func (s *Store) Keys(context.Context) ([]broadcast.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]broadcast.Key, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) Watch(_ context.Context, key broadcast.Key) (*broadcast.Subscription, error) {
	ch := make(chan broadcast.Change, 1)
	s.mu.Lock()
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[chan broadcast.Change]struct{})
	}
	s.watchers[key][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return broadcast.NewSubscription(ch, func() error {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers[key], ch)
			s.mu.Unlock()
			close(ch)
		})
		return nil
	}), nil
}

func (s *Store) WatchCreated(context.Context) (*broadcast.Subscription, error) {
	ch := make(chan broadcast.Change, 64)
	s.mu.Lock()
	s.created[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return broadcast.NewSubscription(ch, func() error {
		once.Do(func() {
			s.mu.Lock()
			delete(s.created, ch)
			s.mu.Unlock()
			close(ch)
		})
		return nil
	}), nil
}

// Watchers returns the number of open watch subscriptions on key.
func (s *Store) Watchers(key broadcast.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[key])
}

// MergeCount returns how many merges succeeded on key.
func (s *Store) MergeCount(key broadcast.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Merges[key]
}

// Exists reports whether a record is stored at key.
func (s *Store) Exists(key broadcast.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok
}
