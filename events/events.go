package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/sequence-engine/logging"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event name.
	ErrNoHandler = errors.New("no handlers registered for event")
)

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus fans fired events out to subscribers. Events are delivered one at a
// time in publish order, so every subscriber observes the same causal order
// the engine fired them in.
type EventBus struct {
	handlers     map[string][]EventHandler
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 256, and handler errors are logged.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:   make(map[string][]EventHandler),
		eventCh:    make(chan Event, 256),
		errHandler: defaultErrorHandler,
	}

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event name. Use AllEvents for every event.
func (eb *EventBus) Subscribe(name string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[name] = append(eb.handlers[name], handler)
}

// SubscribeFunc subscribes a function as a handler to an event name.
func (eb *EventBus) SubscribeFunc(name string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(name, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes a specific handler from an event name.
// Returns true if the handler was found and removed, false otherwise.
func (eb *EventBus) Unsubscribe(name string, handler EventHandler) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[name]
	if !exists {
		return false
	}

	for i, h := range handlers {
		if fmt.Sprintf("%p", h) == fmt.Sprintf("%p", handler) {
			eb.handlers[name] = append(handlers[:i:i], handlers[i+1:]...)
			if len(eb.handlers[name]) == 0 {
				delete(eb.handlers, name)
			}
			return true
		}
	}
	return false
}

// HasSubscribers checks if any handler would receive an event with this name.
func (eb *EventBus) HasSubscribers(name string) bool {
	return len(eb.handlersFor(name)) > 0
}

// handlersFor returns the handlers for name followed by wildcard handlers.
func (eb *EventBus) handlersFor(name string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	specific := eb.handlers[name]
	wildcard := eb.handlers[AllEvents]
	if name == AllEvents {
		wildcard = nil
	}
	out := make([]EventHandler, 0, len(specific)+len(wildcard))
	out = append(out, specific...)
	return append(out, wildcard...)
}

// Publish enqueues an event for asynchronous delivery.
// Returns an error if the context is canceled, the bus is closed, no handler
// is subscribed or the channel is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Name) {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Record implements Sink. Unlike Publish it waits for queue space, so a slow
// subscriber slows the caller down instead of missing events. Handlers must
// not Record on the bus that delivers to them. Events nobody listens to are
// dropped silently.
func (eb *EventBus) Record(ctx context.Context, event Event) error {
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Name) {
		return nil
	}

	select {
	case eb.eventCh <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishSync delivers an event synchronously and returns all handler errors.
// Execution is subject to a 5-second timeout unless the context specifies otherwise.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	eb.closeMu.RUnlock()

	handlers := eb.handlersFor(event.Name)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops accepting events, delivers what is already queued and waits for
// the processor to exit.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

// processEvents delivers queued events one by one.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Name)
		if len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs all handlers for one event concurrently and waits for
// them, so the next event is not delivered before every handler saw this one.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("event handler panic: %v", r)
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

func defaultErrorHandler(event Event, err error) {
	logger := logging.Component("events")
	logger.Error().
		Err(err).
		Str("event", event.Name).
		Uint64("run_id", event.RunID).
		Str("sequence", event.Sequence).
		Msg("event handler failed")
}
