package engine

import (
	"fmt"
	"sync"

	"github.com/songzhibin97/sequence-engine/types"
)

// Claims is the exclusive registry of resources held by active runs.
type Claims struct {
	mu       sync.Mutex
	holders  map[string]uint64
	onChange func(held int)
}

// NewClaims creates an empty registry. onChange, when set, is called with the
// number of held resources after every change.
func NewClaims(onChange func(held int)) *Claims {
	return &Claims{
		holders:  make(map[string]uint64),
		onChange: onChange,
	}
}

// TryClaim claims every name for runID or none of them. A conflict returns a
// *types.ResourceError naming the first claimed resource.
func (c *Claims) TryClaim(runID uint64, names []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range names {
		if holder, ok := c.holders[name]; ok && holder != runID {
			return &types.ResourceError{
				Resource: name,
				Reason:   fmt.Sprintf("claimed by run %d", holder),
			}
		}
	}
	for _, name := range names {
		c.holders[name] = runID
	}
	c.notify()
	return nil
}

// Release frees the names held by runID. Names held by other runs are left alone.
func (c *Claims) Release(runID uint64, names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range names {
		if c.holders[name] == runID {
			delete(c.holders, name)
		}
	}
	c.notify()
}

// Holder returns the run holding name.
func (c *Claims) Holder(name string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.holders[name]
	return id, ok
}

// Len returns the number of held resources.
func (c *Claims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.holders)
}

func (c *Claims) notify() {
	if c.onChange != nil {
		c.onChange(len(c.holders))
	}
}
