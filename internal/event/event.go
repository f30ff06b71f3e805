package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 1000
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

type subscription struct {
	h    Handler
	pool chan struct{}

	// ordered subscriptions deliver one event at a time, in publish order.
	ordered bool
	mu      sync.Mutex
	queue   []delivery
	running bool
}

type delivery struct {
	ctx context.Context
	e   Event
}

// Bus is an in-memory event bus. Every subscription owns its own worker pool,
// so a slow handler only delays events delivered to itself.
type Bus struct {
	poolSize int
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	subs     map[string][]*subscription
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus() *Bus {
	return NewBusWithPool(defaultPoolSize)
}

// NewBusWithPool is NewBus with a custom number of concurrent deliveries per subscription.
func NewBusWithPool(size int) *Bus {
	if size < 1 {
		size = 1
	}

	return &Bus{
		poolSize: size,
		wg:       new(sync.WaitGroup),
		subs:     make(map[string][]*subscription),
	}
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[name] = append(b.subs[name], &subscription{
		h:    h,
		pool: make(chan struct{}, b.poolSize),
	})
}

// SubscribeOrdered subscribes h so that it receives events one at a time in the
// order they were published. Publishing to it never blocks.
func (b *Bus) SubscribeOrdered(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[name] = append(b.subs[name], &subscription{h: h, ordered: true})
}

// Publish an event. A nil bus drops the event.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	subs := b.subs[e.Name()]
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(ctx, s, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, s *subscription, e Event) {
	b.wg.Add(1)

	if s.ordered {
		b.enqueue(ctx, s, e)
		return
	}

	s.pool <- struct{}{}

	go func() {
		defer func() {
			<-s.pool
		}()
		b.run(ctx, s, e)
	}()
}

func (b *Bus) enqueue(ctx context.Context, s *subscription, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, delivery{ctx: ctx, e: e})
	if s.running {
		return
	}
	s.running = true

	go func() {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.running = false
				s.mu.Unlock()
				return
			}
			d := s.queue[0]
			s.queue[0] = delivery{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			b.run(d.ctx, s, d.e)
		}
	}()
}

// run calls the handler and marks the delivery done.
func (b *Bus) run(ctx context.Context, s *subscription, e Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"event", e.Name(),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}

		cancel()
		b.wg.Done()
	}()

	if err := s.h(ctx, e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", e.Name(),
			"error", err,
		)
	}
}

// Stop waits for all handlers to finish
func (b *Bus) Stop() {
	if b == nil {
		return
	}
	b.wg.Wait()
}
