// Package storage persists the audit trail of runs: every fired event in
// firing order plus the final ExecutionResult of each run.
package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/types"
)

// Errors
var (
	ErrRunNotFound    = errors.New("run not found")
	ErrResultNotFound = errors.New("result not found")
)

// ResultKey is the payload key under which terminal events carry the run's
// ExecutionResult.
const ResultKey = "result"

// Storage defines the interface for persisting and retrieving the audit trail.
type Storage interface {
	// AppendEvent appends one event to its run's trail.
	AppendEvent(ctx context.Context, ev events.Event) error

	// Events returns the trail of a run in firing order.
	Events(ctx context.Context, runID uint64) ([]events.Event, error)

	// SaveResult stores the final result of a run.
	SaveResult(ctx context.Context, res types.ExecutionResult) error

	// GetResult retrieves the final result of a run.
	GetResult(ctx context.Context, runID uint64) (types.ExecutionResult, error)
}

// Archive is a Storage that can also list and prune runs. Every backend in
// this package implements it.
type Archive interface {
	Storage
	AppendEvents(ctx context.Context, evs []events.Event) error
	Runs(ctx context.Context) ([]uint64, error)
	ClearSucceeded(ctx context.Context) error
}

var (
	_ Archive = (*MemoryStorage)(nil)
	_ Archive = (*RedisStorage)(nil)
	_ Archive = (*SQLiteStorage)(nil)
)

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// Sink adapts a Storage to events.Sink. Terminal events carrying a result
// under ResultKey also store that result.
type Sink struct {
	store Storage
}

// NewSink creates a sink writing to store.
func NewSink(store Storage) *Sink {
	return &Sink{store: store}
}

// Record implements events.Sink.
func (s *Sink) Record(ctx context.Context, ev events.Event) error {
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	if res, ok := ev.Payload[ResultKey].(types.ExecutionResult); ok {
		return s.store.SaveResult(ctx, res)
	}
	return nil
}
