// Package reconcile decides when a live event's broadcast output starts.
// Each ActiveBroadcast record gets one watch loop that re-reads the record on
// every change notification and starts the HLS/RTMP output once the show is
// live. Failures are logged and retried on the next change; nothing here
// propagates errors to the lifecycle engine.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xpadev-net/live-event-orchestrator/internal/broadcast"
	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/log"
	"github.com/xpadev-net/live-event-orchestrator/internal/opentok"
	"github.com/xpadev-net/live-event-orchestrator/internal/webhook"
)

const defaultProviderTimeout = 15 * time.Second

// Provider starts and stops broadcast outputs.
type Provider interface {
	StartBroadcast(ctx context.Context, creds opentok.Credentials, sessionID, rtmpURL string, hlsEnabled bool) (*opentok.Broadcast, error)
	StopBroadcast(ctx context.Context, creds opentok.Credentials, broadcastID string) error
}

// Target is what a broadcast start needs beyond the record itself.
type Target struct {
	EventID   string
	SessionID string
	RTMPURL   string
	Creds     opentok.Credentials
}

// Resolver finds the event and credentials behind a record.
type Resolver interface {
	ResolveTarget(ctx context.Context, key broadcast.Key) (*Target, error)
}

// Notifier receives broadcast webhooks. A nil Notifier is allowed.
type Notifier interface {
	Dispatch(p *webhook.Payload)
}

// ShouldStart reports whether rec needs an output started. A record that
// already carries a broadcast id has a running output even when it has no
// HLS URL (RTMP-only broadcasts).
func ShouldStart(rec *broadcast.Record, rtmpURL string) bool {
	return awaitingOutput(rec) && (rec.HLSEnabled || rtmpURL != "")
}

func awaitingOutput(rec *broadcast.Record) bool {
	return rec != nil && rec.Status == db.StatusLive && rec.HLSURL == "" && rec.BroadcastID == ""
}

// Reconciler runs reconciliation passes against the broadcast store.
type Reconciler struct {
	store    broadcast.Store
	provider Provider
	resolver Resolver
	notifier Notifier
	timeout  time.Duration

	flights singleflight.Group
}

// New creates a reconciler. timeout bounds each provider call.
func New(store broadcast.Store, provider Provider, resolver Resolver, notifier Notifier, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &Reconciler{
		store:    store,
		provider: provider,
		resolver: resolver,
		notifier: notifier,
		timeout:  timeout,
	}
}

// Reconcile runs one pass for key. Concurrent passes for the same key join a
// single flight, so at most one start is in flight per record. It returns
// broadcast.ErrNotFound once the record is gone and nil otherwise.
func (r *Reconciler) Reconcile(ctx context.Context, key broadcast.Key) error {
	_, err, _ := r.flights.Do(key.String(), func() (interface{}, error) {
		return nil, r.pass(ctx, key)
	})
	return err
}

func (r *Reconciler) pass(ctx context.Context, key broadcast.Key) error {
	rec, err := r.store.Get(ctx, key)
	if errors.Is(err, broadcast.ErrNotFound) {
		return broadcast.ErrNotFound
	}
	if err != nil {
		log.Warn("failed to read active broadcast", log.BroadcastKey(key.DomainID, key.FanURL), zap.Error(err))
		return nil
	}
	if !awaitingOutput(rec) {
		return nil
	}

	target, err := r.resolver.ResolveTarget(ctx, key)
	if err != nil {
		log.Warn("failed to resolve broadcast target", log.BroadcastKey(key.DomainID, key.FanURL), zap.Error(err))
		return nil
	}
	if !ShouldStart(rec, target.RTMPURL) {
		return nil
	}

	startCtx, cancel := context.WithTimeout(ctx, r.timeout)
	b, err := r.provider.StartBroadcast(startCtx, target.Creds, target.SessionID, target.RTMPURL, rec.HLSEnabled)
	cancel()
	if err != nil {
		log.Warn("failed to start broadcast",
			log.EventID(target.EventID),
			log.BroadcastKey(key.DomainID, key.FanURL),
			zap.Error(err),
		)
		r.notify(webhook.EventBroadcastStartFailed, key, target, map[string]interface{}{"error": err.Error()})
		return nil
	}

	err = r.store.Merge(ctx, key, broadcast.Update{HLSURL: &b.HLSURL, BroadcastID: &b.ID})
	if err != nil {
		// Without a stored id nobody could stop this output later.
		log.Warn("discarding started broadcast",
			log.EventID(target.EventID),
			log.BroadcastKey(key.DomainID, key.FanURL),
			zap.String("broadcast_id", b.ID),
			zap.Error(err),
		)
		r.stopOrphan(target, b.ID)
		if errors.Is(err, broadcast.ErrNotFound) {
			return broadcast.ErrNotFound
		}
		return nil
	}

	log.Info("broadcast started",
		log.EventID(target.EventID),
		log.BroadcastKey(key.DomainID, key.FanURL),
		zap.String("broadcast_id", b.ID),
		zap.String("hls_url", b.HLSURL),
	)
	r.notify(webhook.EventBroadcastStarted, key, target, map[string]interface{}{
		"broadcast_id": b.ID,
		"hls_url":      b.HLSURL,
	})
	return nil
}

func (r *Reconciler) stopOrphan(target *Target, broadcastID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	err := r.provider.StopBroadcast(ctx, target.Creds, broadcastID)
	if err != nil && !errors.Is(err, opentok.ErrBroadcastNotActive) {
		log.Warn("failed to stop orphaned broadcast",
			log.EventID(target.EventID),
			zap.String("broadcast_id", broadcastID),
			zap.Error(err),
		)
	}
}

// StopOutput stops the output recorded in rec, if any. A broadcast that has
// already ended counts as stopped.
func (r *Reconciler) StopOutput(ctx context.Context, creds opentok.Credentials, rec *broadcast.Record) error {
	if rec == nil || rec.BroadcastID == "" {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := r.provider.StopBroadcast(stopCtx, creds, rec.BroadcastID)
	if err != nil && !errors.Is(err, opentok.ErrBroadcastNotActive) {
		return fmt.Errorf("stop broadcast %s: %w", rec.BroadcastID, err)
	}
	return nil
}

// Watch follows one record until it is deleted or ctx ends. It returns nil
// when the record is gone.
func (r *Reconciler) Watch(ctx context.Context, key broadcast.Key) error {
	sub, err := r.store.Watch(ctx, key)
	if err != nil {
		return fmt.Errorf("watch %s: %w", key, err)
	}
	defer sub.Close()

	for {
		if err := r.Reconcile(ctx, key); errors.Is(err, broadcast.ErrNotFound) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.C:
			if !ok {
				return fmt.Errorf("watch %s: notification stream closed", key)
			}
		}
	}
}

func (r *Reconciler) notify(t webhook.EventType, key broadcast.Key, target *Target, data map[string]interface{}) {
	if r.notifier == nil {
		return
	}
	r.notifier.Dispatch(&webhook.Payload{
		EventType: t,
		EventID:   target.EventID,
		DomainID:  key.DomainID,
		FanURL:    key.FanURL,
		Timestamp: time.Now(),
		Data:      data,
	})
}
