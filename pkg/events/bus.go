package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Bus is an in-memory event bus for pub/sub messaging
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a specific event type
// Multiple handlers can be registered for the same event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Info("event handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.Int("total_handlers", len(b.handlers[eventType])),
	)
}

// Publish publishes an event to all registered handlers.
// Handlers run in their own goroutines; errors and panics are logged and
// never reach the publisher.
func (b *Bus) Publish(ctx context.Context, event Event) {
	handlers := b.snapshot(event.Type)
	if len(handlers) == 0 {
		b.logger.Debug("no handlers registered for event type",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
		)
		return
	}

	b.logger.Debug("publishing event",
		zap.String("event_type", string(event.Type)),
		zap.String("event_id", event.ID),
		zap.Int("handler_count", len(handlers)),
	)

	for _, handler := range handlers {
		go b.run(ctx, handler, event)
	}
}

// PublishAndWait publishes an event and waits for all handlers to complete
// Returns the first error encountered from any handler
func (b *Bus) PublishAndWait(ctx context.Context, event Event) error {
	handlers := b.snapshot(event.Type)
	if len(handlers) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		errOut error
	)

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				errMu.Lock()
				if errOut == nil {
					errOut = err
				}
				errMu.Unlock()
			}
		}(handler)
	}

	wg.Wait()
	return errOut
}

func (b *Bus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.handlers[eventType]...)
}

func (b *Bus) run(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.ID),
				zap.Any("panic", r),
			)
		}
	}()

	if err := h(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}
