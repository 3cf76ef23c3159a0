package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/sequence-engine/types"
)

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler := &mockHandler{}
	eb.Subscribe("test_event", handler)

	eb.mu.RLock()
	handlers, ok := eb.handlers["test_event"]
	eb.mu.RUnlock()

	if !ok {
		t.Fatal("Expected handlers for test_event, but none found")
	}

	if len(handlers) != 1 {
		t.Fatalf("Expected 1 handler, got %d", len(handlers))
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler1 := &mockHandler{}
	handler2 := &mockHandler{}

	eb.Subscribe("test_event", handler1)
	eb.Subscribe("test_event", handler2)

	eb.mu.RLock()
	if len(eb.handlers["test_event"]) != 2 {
		t.Fatalf("Expected 2 handlers, got %d", len(eb.handlers["test_event"]))
	}
	eb.mu.RUnlock()

	if !eb.Unsubscribe("test_event", handler1) {
		t.Fatal("Unsubscribe should return true for existing handler")
	}

	eb.mu.RLock()
	if len(eb.handlers["test_event"]) != 1 {
		t.Fatalf("Expected 1 handler after unsubscribe, got %d", len(eb.handlers["test_event"]))
	}
	eb.mu.RUnlock()

	if eb.Unsubscribe("test_event", &mockHandler{}) {
		t.Fatal("Unsubscribe should return false for non-existent handler")
	}
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)

	handler := &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			defer wg.Done()
			if event.Name != "test_event" {
				t.Errorf("Expected event name 'test_event', got '%s'", event.Name)
			}
			if event.RunID != 123 {
				t.Errorf("Expected run ID 123, got %d", event.RunID)
			}
			return nil
		},
	}

	eb.Subscribe("test_event", handler)

	event := New("test_event", types.EventInfo)
	event.RunID = 123
	event.Payload = map[string]interface{}{"key": "value"}

	if err := eb.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("handler was not called")
	}
}

func TestEventBus_PreservesOrder(t *testing.T) {
	eb := NewEventBus()

	var mu sync.Mutex
	var got []uint64
	eb.SubscribeFunc(AllEvents, func(ctx context.Context, event Event) error {
		mu.Lock()
		got = append(got, event.Seq)
		mu.Unlock()
		return nil
	})

	names := []string{SequenceStarted, CommandStarted, CommandCompleted, SequenceCompleted}
	for i := 0; i < 40; i++ {
		ev := New(names[i%len(names)], types.EventInfo)
		ev.Seq = uint64(i + 1)
		if err := eb.Publish(context.Background(), ev); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// Stop delivers everything already queued.
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 40 {
		t.Fatalf("Expected 40 events, got %d", len(got))
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("Event %d delivered out of order: seq %d", i, seq)
		}
	}
}

func TestEventBus_RecordWaitsForSlowSubscriber(t *testing.T) {
	eb := NewEventBus(WithBufferSize(4))

	var mu sync.Mutex
	var got []uint64
	eb.SubscribeFunc(AllEvents, func(ctx context.Context, event Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, event.Seq)
		mu.Unlock()
		return nil
	})

	const total = 100
	for i := 0; i < total; i++ {
		ev := New(CommandCompleted, types.EventInfo)
		ev.Seq = uint64(i + 1)
		if err := eb.Record(context.Background(), ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != total {
		t.Fatalf("Expected %d events, got %d", total, len(got))
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("Event %d delivered out of order: seq %d", i, seq)
		}
	}

	if err := eb.Record(context.Background(), New(CommandCompleted, types.EventInfo)); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed after Stop, got %v", err)
	}
}

func TestEventBus_RecordHonoursContext(t *testing.T) {
	eb := NewEventBus(WithBufferSize(1))
	release := make(chan struct{})
	eb.SubscribeFunc(AllEvents, func(ctx context.Context, event Event) error {
		<-release
		return nil
	})
	defer eb.Stop()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = eb.Record(ctx, New(CommandStarted, types.EventInfo))
	}
	if err != context.DeadlineExceeded {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func TestEventBus_WildcardAndSpecific(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(AllEvents, &mockHandler{})
	if !eb.HasSubscribers("anything") {
		t.Fatal("wildcard subscriber should count for every event")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	eb.SubscribeFunc(CommandFailed, func(ctx context.Context, event Event) error {
		wg.Done()
		return nil
	})
	eb.SubscribeFunc(AllEvents, func(ctx context.Context, event Event) error {
		if event.Name == CommandFailed {
			wg.Done()
		}
		return nil
	})

	if err := eb.Publish(context.Background(), New(CommandFailed, types.EventError)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("both specific and wildcard handlers should be called")
	}
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe("test_event", &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})

	errs := eb.PublishSync(context.Background(), New("test_event", types.EventInfo))
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}
	if errs[0].Error() != "test error" {
		t.Errorf("Expected 'test error', got '%v'", errs[0])
	}
}

func TestEventBus_HandlerPanicIsReported(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.SubscribeFunc("test_event", func(ctx context.Context, event Event) error {
		panic("boom")
	})

	errs := eb.PublishSync(context.Background(), New("test_event", types.EventInfo))
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error from panicking handler, got %d", len(errs))
	}
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	err := eb.Publish(context.Background(), New("unknown_event", types.EventInfo))
	if err != ErrNoHandler {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}

	if err := eb.Record(context.Background(), New("unknown_event", types.EventInfo)); err != nil {
		t.Fatalf("Record should ignore events without subscribers, got %v", err)
	}
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Stop()

	err := eb.Publish(context.Background(), New("test_event", types.EventInfo))
	if err != ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}
	if err := eb.Record(context.Background(), New("test_event", types.EventInfo)); err != ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed from Record, got %v", err)
	}

	// Stopping twice is harmless.
	eb.Stop()
}

func TestEventBus_HasSubscribers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	if eb.HasSubscribers("test_event") {
		t.Fatal("HasSubscribers should return false for non-existent event name")
	}

	handler := &mockHandler{}
	eb.Subscribe("test_event", handler)

	if !eb.HasSubscribers("test_event") {
		t.Fatal("HasSubscribers should return true after subscription")
	}

	eb.Unsubscribe("test_event", handler)

	if eb.HasSubscribers("test_event") {
		t.Fatal("HasSubscribers should return false after unsubscribe")
	}
}

func TestEventBus_WithOptions(t *testing.T) {
	var customErrorCalled bool
	var customErrorMu sync.Mutex
	var errWG sync.WaitGroup
	errWG.Add(1)

	customErrorHandler := func(event Event, err error) {
		customErrorMu.Lock()
		customErrorCalled = true
		customErrorMu.Unlock()
		errWG.Done()
	}

	eb := NewEventBus(
		WithBufferSize(200),
		WithErrorHandler(customErrorHandler),
	)
	defer eb.Stop()

	if cap(eb.eventCh) != 200 {
		t.Fatalf("Expected buffer size 200, got %d", cap(eb.eventCh))
	}

	eb.Subscribe("test_event", &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})

	if err := eb.Publish(context.Background(), New("test_event", types.EventInfo)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !waitWithTimeout(&errWG, time.Second) {
		t.Fatal("Custom error handler was not called")
	}

	customErrorMu.Lock()
	defer customErrorMu.Unlock()
	if !customErrorCalled {
		t.Fatal("Custom error handler was not called")
	}
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe("test_event", &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eb.Publish(ctx, New("test_event", types.EventInfo))
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled error, got %v", err)
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	for i, name := range []string{SequenceStarted, CommandCompleted, SequenceCompleted} {
		ev := New(name, types.EventInfo)
		ev.RunID = uint64(1 + i%2)
		if err := sink.Record(context.Background(), ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	if got := sink.Names(0); len(got) != 3 {
		t.Fatalf("Expected 3 events, got %v", got)
	}
	if got := sink.Names(1); len(got) != 2 || got[0] != SequenceStarted || got[1] != SequenceCompleted {
		t.Fatalf("Unexpected events for run 1: %v", got)
	}
	if n := Count(sink.Events(), CommandCompleted); n != 1 {
		t.Fatalf("Expected 1 command_completed, got %d", n)
	}
}

// Helper types and functions

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
