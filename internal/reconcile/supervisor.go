package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/broadcast"
	"github.com/xpadev-net/live-event-orchestrator/internal/log"
)

// ErrAlreadyRunning is returned by Run when another Run is active.
var ErrAlreadyRunning = errors.New("supervisor already running")

const watchRestartDelay = time.Second

type watch struct {
	cancel context.CancelFunc
	// rearm is set when Watch is called for a key that is already being
	// watched; the loop then re-checks the record once before exiting.
	rearm bool
}

// Supervisor owns the watch loops of every ActiveBroadcast record. Watches
// only run while Run is active, which is how leadership is enforced: a
// replica that is not the leader never starts outputs.
type Supervisor struct {
	reconciler *Reconciler
	store      broadcast.Store

	mu      sync.Mutex
	ctx     context.Context
	watches map[broadcast.Key]*watch
	wg      sync.WaitGroup
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(reconciler *Reconciler, store broadcast.Store) *Supervisor {
	return &Supervisor{
		reconciler: reconciler,
		store:      store,
		watches:    make(map[broadcast.Key]*watch),
	}
}

// Run resumes a watch for every existing record, then watches every newly
// created record, until ctx ends. All watches stop before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	s.ctx = runCtx
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.ctx = nil
		s.watches = make(map[broadcast.Key]*watch)
		s.mu.Unlock()
		s.wg.Wait()
		log.Info("broadcast supervisor stopped")
	}()

	// Subscribe before listing so a record created in between is not missed.
	created, err := s.store.WatchCreated(runCtx)
	if err != nil {
		return fmt.Errorf("subscribe to broadcast creations: %w", err)
	}
	defer created.Close()

	keys, err := s.store.Keys(runCtx)
	if err != nil {
		return fmt.Errorf("list active broadcasts: %w", err)
	}
	for _, key := range keys {
		s.Watch(key)
	}
	log.Info("broadcast supervisor started", zap.Int("resumed", len(keys)))

	for {
		select {
		case <-runCtx.Done():
			return nil
		case c, ok := <-created.C:
			if !ok {
				return errors.New("broadcast creation feed closed")
			}
			s.Watch(c.Key)
		}
	}
}

// Watch starts a watch loop for key. It is idempotent and reports whether a
// loop is running for key afterwards; it is false while the supervisor is
// not running.
func (s *Supervisor) Watch(key broadcast.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return false
	}
	if w, ok := s.watches[key]; ok {
		w.rearm = true
		return true
	}

	ctx, cancel := context.WithCancel(s.ctx)
	w := &watch{cancel: cancel}
	s.watches[key] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.loop(ctx, key, w)
	}()
	return true
}

// Stop ends the watch loop for key, if any.
func (s *Supervisor) Stop(key broadcast.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watches[key]; ok {
		w.cancel()
		delete(s.watches, key)
	}
}

// Watching reports whether a loop is running for key.
func (s *Supervisor) Watching(key broadcast.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watches[key]
	return ok
}

func (s *Supervisor) loop(ctx context.Context, key broadcast.Key, w *watch) {
	log.Debug("broadcast watch started", log.BroadcastKey(key.DomainID, key.FanURL))
	for {
		err := s.reconciler.Watch(ctx, key)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if s.finish(key, w) {
				log.Debug("broadcast watch ended", log.BroadcastKey(key.DomainID, key.FanURL))
				return
			}
			continue
		}

		log.Warn("broadcast watch failed, restarting",
			log.BroadcastKey(key.DomainID, key.FanURL),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRestartDelay):
		}
	}
}

// finish unregisters w unless it was re-armed in the meantime.
func (s *Supervisor) finish(key broadcast.Key, w *watch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.rearm {
		w.rearm = false
		return false
	}
	if s.watches[key] == w {
		delete(s.watches, key)
	}
	return true
}
