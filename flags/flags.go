// Package flags holds the process-wide boolean flags that guards, policy rules
// and tag handlers read. Flags are written by outside actors (an operator, a
// sensor bridge); the engine only observes them.
package flags

import (
	"sort"
	"sync"
)

// Provider is the flag collaborator.
type Provider interface {
	GetFlag(name string) bool
	SetFlag(name string, value bool)
}

// Change describes one flag write.
type Change struct {
	Name     string
	Value    bool
	Previous bool
}

// MemoryStore is an in-process Provider.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string]bool
	watchers []chan Change
}

// NewMemoryStore creates a store seeded with initial.
func NewMemoryStore(initial map[string]bool) *MemoryStore {
	s := &MemoryStore{values: make(map[string]bool, len(initial))}
	for k, v := range initial {
		s.values[k] = v
	}
	return s
}

// GetFlag returns the flag value; unknown flags are false.
func (s *MemoryStore) GetFlag(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name]
}

// SetFlag writes a flag and notifies watchers without blocking.
func (s *MemoryStore) SetFlag(name string, value bool) {
	s.mu.Lock()
	prev := s.values[name]
	s.values[name] = value
	watchers := append([]chan Change(nil), s.watchers...)
	s.mu.Unlock()

	ch := Change{Name: name, Value: value, Previous: prev}
	for _, w := range watchers {
		select {
		case w <- ch:
		default:
		}
	}
}

// Watch returns a buffered channel receiving flag changes. Changes are dropped
// when the channel is full.
func (s *MemoryStore) Watch(buffer int) <-chan Change {
	ch := make(chan Change, buffer)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

// Snapshot returns a copy of all flags.
func (s *MemoryStore) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Names lists the known flags in sorted order.
func (s *MemoryStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
