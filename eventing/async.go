package eventing

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentuity/go-relay/logger"
	"github.com/cockroachdb/errors"
)

// DefaultQueueSize is the number of events an async publisher buffers.
const DefaultQueueSize = 1024

var (
	// ErrQueueFull is returned when the async queue has no room; the event is dropped.
	ErrQueueFull = errors.New("event queue full")
	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("publisher closed")
)

type queuedEvent struct {
	ctx   context.Context
	event Event
}

type asyncPublisher struct {
	next    Publisher
	logger  logger.Logger
	queue   chan queuedEvent
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

var _ Publisher = (*asyncPublisher)(nil)

// NewAsyncPublisher queues events and hands them to next from a single
// goroutine, in order. Publish never blocks: when the queue is full the event
// is dropped and ErrQueueFull returned. Close drains the queue, then closes
// next.
func NewAsyncPublisher(log logger.Logger, next Publisher, size int) Publisher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	p := &asyncPublisher{
		next:   next,
		logger: log.WithPrefix("[eventing]"),
		queue:  make(chan queuedEvent, size),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *asyncPublisher) run() {
	defer close(p.done)
	for q := range p.queue {
		if err := p.next.Publish(q.ctx, q.event); err != nil {
			p.logger.Warn("failed to publish %s for session %s: %s", q.event.Kind, q.event.SessionID, err)
		}
	}
}

func (p *asyncPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	// keep trace values but not the caller's cancellation, the event outlives the frame
	select {
	case p.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

func (p *asyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	if n := p.dropped.Load(); n > 0 {
		p.logger.Warn("dropped %d events on a full queue", n)
	}
	return p.next.Close()
}
