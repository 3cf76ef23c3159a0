package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	trails  map[uint64][]events.Event
	results map[uint64]types.ExecutionResult
	mu      sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		trails:  make(map[uint64][]events.Event),
		results: make(map[uint64]types.ExecutionResult),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: run=%d", errNotFound, id)
		}
		return item, nil
	})
}

// AppendEvent appends an event to memory.
func (s *MemoryStorage) AppendEvent(ctx context.Context, ev events.Event) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.trails[ev.RunID] = append(s.trails[ev.RunID], ev)
		return nil
	})
}

// AppendEvents appends several events under a single lock.
func (s *MemoryStorage) AppendEvents(ctx context.Context, evs []events.Event) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, ev := range evs {
			s.trails[ev.RunID] = append(s.trails[ev.RunID], ev)
		}
		return nil
	})
}

// Events returns a copy of a run's trail.
func (s *MemoryStorage) Events(ctx context.Context, runID uint64) ([]events.Event, error) {
	trail, err := getItem(ctx, &s.mu, s.trails, runID, ErrRunNotFound)
	if err != nil {
		return nil, err
	}
	return append([]events.Event(nil), trail...), nil
}

// SaveResult stores a result in memory.
func (s *MemoryStorage) SaveResult(ctx context.Context, res types.ExecutionResult) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.results[res.RunID] = res
		return nil
	})
}

// GetResult retrieves a result from memory.
func (s *MemoryStorage) GetResult(ctx context.Context, runID uint64) (types.ExecutionResult, error) {
	return getItem(ctx, &s.mu, s.results, runID, ErrResultNotFound)
}

// Runs lists every run id with a trail, ascending.
func (s *MemoryStorage) Runs(ctx context.Context) ([]uint64, error) {
	return withContext(ctx, func() ([]uint64, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ids := make([]uint64, 0, len(s.trails))
		for id := range s.trails {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return ids, nil
	})
}

// ClearSucceeded removes the trail and result of every successful run.
func (s *MemoryStorage) ClearSucceeded(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, res := range s.results {
			if res.Success {
				delete(s.results, id)
				delete(s.trails, id)
			}
		}
		return nil
	})
}
