package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/sequence-engine/types"
)

// Lifecycle event names fired by the engine.
const (
	SequenceStarted      = "sequence_started"
	StateChanged         = "state_changed"
	GuardWarning         = "guard_warning"
	SequenceGuardsFailed = "sequence_guards_failed"
	ResourceUnavailable  = "resource_unavailable"
	CommandStarted       = "command_started"
	CommandRetry         = "command_retry"
	CommandCompleted     = "command_completed"
	CommandFailed        = "command_failed"
	CommandSkipped       = "command_skipped"
	ResolutionRequired   = "resolution_required"
	SequenceResumed      = "sequence_resumed"
	PolicyWarning        = "policy_warning"
	PolicyViolated       = "policy_violated"
	SequenceCompleted    = "sequence_completed"
	SequenceFailed       = "sequence_failed"
	SequenceCancelled    = "sequence_cancelled"

	// AllEvents subscribes a handler to every event name.
	AllEvents = "*"
)

// Event represents one fired lifecycle notification. Events are values and
// are never mutated after they are fired.
type Event struct {
	ID        string                 `json:"id"`
	Seq       uint64                 `json:"seq"` // position in the run's trail, from 1
	Name      string                 `json:"name"`
	Type      types.EventType        `json:"type"`
	RunID     uint64                 `json:"run_id"`
	Sequence  string                 `json:"sequence"`
	CommandID string                 `json:"command_id,omitempty"`
	State     types.State            `json:"state"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Handlers  []string               `json:"handlers,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New builds an event with a fresh id and the current time.
func New(name string, typ types.EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives every fired event in firing order.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// SinkFunc is a function adapter for Sink.
type SinkFunc func(ctx context.Context, event Event) error

// Record implements the Sink interface.
func (f SinkFunc) Record(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// MemorySink keeps recorded events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink.
func (s *MemorySink) Record(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Names returns the recorded event names in order, optionally only for one run.
func (s *MemorySink) Names(runID uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if runID == 0 || ev.RunID == runID {
			out = append(out, ev.Name)
		}
	}
	return out
}

// Count returns how many events named name were recorded.
func Count(evs []Event, name string) int {
	n := 0
	for _, ev := range evs {
		if ev.Name == name {
			n++
		}
	}
	return n
}
