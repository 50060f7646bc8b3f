package webhook

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/log"
)

const (
	defaultQueueSize = 256
	deliveryTimeout  = 30 * time.Second
)

// Dispatcher delivers payloads to one configured URL in the background so
// callers never wait on the receiver.
type Dispatcher struct {
	sender *Sender
	url    string
	queue  chan *Payload

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts a dispatcher with a single delivery goroutine.
// Deliveries are sequential, so the receiver sees payloads in dispatch order.
func NewDispatcher(sender *Sender, url string, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		sender: sender,
		url:    url,
		queue:  make(chan *Payload, queueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Dispatch enqueues p. When the queue is full the payload is dropped and
// logged. Dispatch on a nil or closed dispatcher does nothing.
func (d *Dispatcher) Dispatch(p *Payload) {
	if d == nil {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- p:
	default:
		log.Warn("webhook queue full, dropping payload",
			zap.String("event_type", string(p.EventType)),
			zap.String("event_id", p.EventID),
		)
	}
}

// Close stops accepting payloads and waits until the queue is drained or
// ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for p := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		d.sender.Send(ctx, d.url, p)
		cancel()
	}
}
