package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/conduit/internal/observability"
	"github.com/pitabwire/conduit/model"
)

const (
	defaultEventBuffer = 1024
	sinkPublishTimeout = 5 * time.Second
)

// EventSink receives engine lifecycle events.
type EventSink interface {
	Publish(ctx context.Context, evt model.Event) error
}

// EventHandler handles an event delivered by the EventBus.
type EventHandler func(ctx context.Context, evt model.Event)

// EventBus fans lifecycle events out to in-process handlers and external
// sinks. Publish never blocks the caller: events are queued on a buffered
// channel and dispatched by a single goroutine, so handlers observe events
// in publication order. When the buffer is full the event is dropped.
type EventBus struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	handlers map[model.EventKind][]EventHandler
	sinks    []EventSink

	queue     chan model.Event
	done      chan struct{}
	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
}

// NewEventBus creates an event bus with the given buffer size and starts its
// dispatcher. A non-positive buffer uses the default of 1024.
func NewEventBus(buffer int, logger *zap.Logger, metrics *observability.Metrics) *EventBus {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &EventBus{
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[model.EventKind][]EventHandler),
		queue:    make(chan model.Event, buffer),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one event kind.
func (b *EventBus) Subscribe(kind model.EventKind, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// AddSink registers an external sink that receives every event.
func (b *EventBus) AddSink(sink EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish queues evt for dispatch. It returns an error only when the event
// kind is unknown or the bus is closed; a full buffer drops the event.
func (b *EventBus) Publish(_ context.Context, evt model.Event) error {
	if !evt.Kind.Valid() {
		return model.NewBadRequestError(fmt.Sprintf("unknown event kind %q", evt.Kind))
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus closed")
	}

	select {
	case b.queue <- evt:
	default:
		b.metrics.RecordEventDropped()
		b.logger.Warn("event buffer full, dropping event",
			zap.String("kind", string(evt.Kind)),
			zap.String("execution_id", evt.ExecutionID),
		)
	}
	return nil
}

// Close stops accepting events, drains the queue, and waits for the
// dispatcher to exit or ctx to expire.
func (b *EventBus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		close(b.queue)
		b.closeMu.Unlock()
	})

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *EventBus) dispatch() {
	defer close(b.done)
	for evt := range b.queue {
		b.deliver(evt)
	}
}

func (b *EventBus) deliver(evt model.Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[evt.Kind]...)
	sinks := append([]EventSink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.runHandler(h, evt)
	}

	for _, sink := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkPublishTimeout)
		if err := sink.Publish(ctx, evt); err != nil {
			b.logger.Warn("event sink publish failed",
				zap.String("kind", string(evt.Kind)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (b *EventBus) runHandler(h EventHandler, evt model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(evt.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	h(context.Background(), evt)
}
