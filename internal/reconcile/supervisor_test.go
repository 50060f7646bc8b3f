package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xpadev-net/live-event-orchestrator/internal/broadcast"
	"github.com/xpadev-net/live-event-orchestrator/internal/db"
)

func startSupervisor(t *testing.T, s *Supervisor) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	return func() {
		cancelCtx()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	}
}

func TestSupervisor_WatchBeforeRun(t *testing.T) {
	store := newStore(t, &broadcast.Record{Status: db.StatusPreshow})
	s := NewSupervisor(New(store, &fakeProvider{}, &fakeResolver{}, nil, time.Second), store)

	if s.Watch(testKey) {
		t.Error("Watch() = true before Run, want false")
	}
	if s.Watching(testKey) {
		t.Error("Watching() = true before Run")
	}
}

func TestSupervisor_ResumesExistingRecords(t *testing.T) {
	store := newStore(t, &broadcast.Record{Status: db.StatusLive, HLSEnabled: true})
	provider := &fakeProvider{}
	s := NewSupervisor(New(store, provider, &fakeResolver{}, nil, time.Second), store)

	stop := startSupervisor(t, s)
	defer stop()

	eventually(t, "resumed start", func() bool { return provider.startCount() == 1 })
	if !s.Watching(testKey) {
		t.Error("Watching() = false for a resumed record")
	}
}

func TestSupervisor_WatchesCreatedRecords(t *testing.T) {
	store := newStore(t, nil)
	provider := &fakeProvider{}
	s := NewSupervisor(New(store, provider, &fakeResolver{}, nil, time.Second), store)

	stop := startSupervisor(t, s)
	defer stop()

	// Wait until Run has subscribed and listed.
	eventually(t, "supervisor running", func() bool { return s.Watch(broadcast.Key{DomainID: "x", FanURL: "y"}) })

	if err := store.Create(context.Background(), testKey, &broadcast.Record{Status: db.StatusPreshow, HLSEnabled: true}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	eventually(t, "watch on created record", func() bool { return s.Watching(testKey) })

	setStatus(t, store, db.StatusLive)
	eventually(t, "broadcast start", func() bool { return provider.startCount() == 1 })

	if _, err := store.Delete(context.Background(), testKey); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	eventually(t, "watch to end", func() bool { return !s.Watching(testKey) })
}

func TestSupervisor_WatchIsIdempotent(t *testing.T) {
	store := newStore(t, &broadcast.Record{Status: db.StatusPreshow})
	s := NewSupervisor(New(store, &fakeProvider{}, &fakeResolver{}, nil, time.Second), store)

	stop := startSupervisor(t, s)
	defer stop()

	eventually(t, "resumed watch", func() bool { return s.Watching(testKey) })
	for i := 0; i < 3; i++ {
		if !s.Watch(testKey) {
			t.Fatal("Watch() = false while running")
		}
	}
	eventually(t, "single subscription", func() bool { return store.Watchers(testKey) == 1 })
}

func TestSupervisor_RecreatedRecordStaysWatched(t *testing.T) {
	store := newStore(t, &broadcast.Record{Status: db.StatusPreshow, HLSEnabled: true})
	provider := &fakeProvider{}
	s := NewSupervisor(New(store, provider, &fakeResolver{}, nil, time.Second), store)

	stop := startSupervisor(t, s)
	defer stop()
	eventually(t, "resumed watch", func() bool { return s.Watching(testKey) })

	ctx := context.Background()
	if _, err := store.Delete(ctx, testKey); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Create(ctx, testKey, &broadcast.Record{Status: db.StatusPreshow, HLSEnabled: true}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	s.Watch(testKey)

	setStatus(t, store, db.StatusLive)
	eventually(t, "start on recreated record", func() bool { return provider.startCount() == 1 })
}

func TestSupervisor_StopAndShutdown(t *testing.T) {
	store := newStore(t, &broadcast.Record{Status: db.StatusPreshow})
	s := NewSupervisor(New(store, &fakeProvider{}, &fakeResolver{}, nil, time.Second), store)

	stop := startSupervisor(t, s)
	eventually(t, "resumed watch", func() bool { return s.Watching(testKey) })

	s.Stop(testKey)
	if s.Watching(testKey) {
		t.Error("Watching() = true after Stop")
	}
	eventually(t, "subscription closed", func() bool { return store.Watchers(testKey) == 0 })

	s.Watch(testKey)
	stop()
	if s.Watching(testKey) {
		t.Error("Watching() = true after Run returned")
	}
	if store.Watchers(testKey) != 0 {
		t.Errorf("open subscriptions = %d after shutdown, want 0", store.Watchers(testKey))
	}
}

func TestSupervisor_RunTwice(t *testing.T) {
	store := newStore(t, nil)
	s := NewSupervisor(New(store, &fakeProvider{}, &fakeResolver{}, nil, time.Second), store)

	stop := startSupervisor(t, s)
	defer stop()
	eventually(t, "supervisor running", func() bool { return s.Watch(testKey) })

	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}
