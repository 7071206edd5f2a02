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
	name    string
	handler Handler
	pool    chan struct{}
}

// Bus is an in-memory event bus. Each subscription has its own worker pool, so a slow handler
// only delays events of that subscription.
type Bus struct {
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string][]*subscription
	stopped  bool
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus() *Bus {
	return &Bus{
		wg:       new(sync.WaitGroup),
		handlers: make(map[string][]*subscription),
	}
}

// Subscribe to an event. The subscriber name is only used for logging.
func (b *Bus) Subscribe(event, subscriber string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[event] = append(b.handlers[event], &subscription{
		name:    subscriber,
		handler: h,
		pool:    make(chan struct{}, defaultPoolSize),
	})
}

// Publish an event. Events published after Stop are dropped.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		slog.WarnContext(ctx, "event: bus stopped, event dropped", "event", e.Name())
		return
	}

	for _, s := range b.handlers[e.Name()] {
		b.dispatch(ctx, s, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, s *subscription, e Event) {
	b.wg.Add(1)

	s.pool <- struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "event: handler panic",
					"event", e.Name(),
					"subscriber", s.name,
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-s.pool
			b.wg.Done()
		}()

		if err := s.handler(ctx, e); err != nil {
			slog.ErrorContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"subscriber", s.name,
				"error", err,
			)
		}
	}()
}

// Stop rejects new events and waits for all handlers to finish.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.wg.Wait()
}
