// Package broadcast holds the ActiveBroadcast records shared by the
// lifecycle engine, the reconciler and the viewer presence service. A record
// exists for an event from preshow until it closes; every write is a partial
// merge and every write publishes a change notification.
package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/xpadev-net/live-event-orchestrator/internal/db"
)

// ErrNotFound is returned when the addressed record does not exist.
var ErrNotFound = errors.New("active broadcast not found")

// Key addresses a record by tenant and fan slug.
type Key struct {
	DomainID string `json:"domain_id"`
	FanURL   string `json:"fan_url"`
}

func (k Key) String() string {
	return k.DomainID + "/" + k.FanURL
}

// Record is the mutable state of a running show.
type Record struct {
	Name             string               `json:"name"`
	InteractiveLimit int                  `json:"interactive_limit"`
	HLSEnabled       bool                 `json:"hls_enabled"`
	HLSURL           string               `json:"hls_url,omitempty"`
	BroadcastID      string               `json:"broadcast_id,omitempty"`
	Status           db.EventStatus       `json:"status"`
	Archiving        bool                 `json:"archiving"`
	StartImage       *db.Image            `json:"start_image,omitempty"`
	EndImage         *db.Image            `json:"end_image,omitempty"`
	ActiveFans       map[string]time.Time `json:"active_fans"`
	CreatedAt        time.Time            `json:"created_at"`
}

// Update is a partial merge. Nil fields are left untouched.
type Update struct {
	Status      *db.EventStatus
	Archiving   *bool
	HLSURL      *string
	BroadcastID *string
}

// Apply copies the set fields of u onto r.
func (u Update) Apply(r *Record) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Archiving != nil {
		r.Archiving = *u.Archiving
	}
	if u.HLSURL != nil {
		r.HLSURL = *u.HLSURL
	}
	if u.BroadcastID != nil {
		r.BroadcastID = *u.BroadcastID
	}
}

// ChangeKind says what happened to a record.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change notifies that a record was written. Consumers re-read the record
// rather than trusting the notification.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Key  Key        `json:"key"`
}

// Subscription delivers change notifications until closed. Notifications
// are coalesced: a slow reader sees at least one notification after the
// last write, not one per write.
type Subscription struct {
	C     <-chan Change
	close func() error
}

// NewSubscription wraps a notification channel and its teardown.
func NewSubscription(c <-chan Change, closeFn func() error) *Subscription {
	return &Subscription{C: c, close: closeFn}
}

// Close stops delivery and releases the subscription.
func (s *Subscription) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Store persists records and publishes their changes.
type Store interface {
	// Create writes a fresh record, replacing any previous one at key.
	Create(ctx context.Context, key Key, rec *Record) error
	Get(ctx context.Context, key Key) (*Record, error)
	// Merge applies u only if the record exists; otherwise ErrNotFound.
	Merge(ctx context.Context, key Key, u Update) error
	// Delete removes the record and returns its final state, or
	// ErrNotFound if there was none. Watchers are notified either way.
	Delete(ctx context.Context, key Key) (*Record, error)
	AddFan(ctx context.Context, key Key, viewerID string) error
	RemoveFan(ctx context.Context, key Key, viewerID string) error
	Keys(ctx context.Context) ([]Key, error)
	// Watch subscribes to changes of one record. The subscription is
	// established before Watch returns.
	Watch(ctx context.Context, key Key) (*Subscription, error)
	// WatchCreated subscribes to record creations in every domain.
	WatchCreated(ctx context.Context) (*Subscription, error)
}

// Notify sends c on ch without blocking. A full buffer already holds a
// pending notification, so dropping c loses nothing for readers that re-read.
func Notify(ch chan Change, c Change) {
	select {
	case ch <- c:
	default:
	}
}
