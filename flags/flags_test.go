package flags

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(map[string]bool{"wanted": true})
	assert.True(t, s.GetFlag("wanted"))
	assert.False(t, s.GetFlag("missing"))

	changes := s.Watch(4)
	s.SetFlag("wanted", false)
	s.SetFlag("leak", true)

	first := <-changes
	assert.Equal(t, Change{Name: "wanted", Value: false, Previous: true}, first)
	second := <-changes
	assert.Equal(t, Change{Name: "leak", Value: true, Previous: false}, second)

	assert.Equal(t, map[string]bool{"wanted": false, "leak": true}, s.Snapshot())
	assert.Equal(t, []string{"leak", "wanted"}, s.Names())
}

func TestMemoryStore_SlowWatcherDoesNotBlock(t *testing.T) {
	s := NewMemoryStore(nil)
	_ = s.Watch(1)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.SetFlag("f", i%2 == 0)
		}(i)
	}
	wg.Wait()
	assert.Len(t, s.Snapshot(), 1)
}

func TestRedisStore(t *testing.T) {
	s, err := NewRedisStore(RedisOptions{Addr: "localhost:6379", Key: "sequence-engine:test-flags"})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Reset(ctx))

	assert.False(t, s.GetFlag("wanted"))
	s.SetFlag("wanted", true)
	assert.True(t, s.GetFlag("wanted"))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"wanted": true}, snap)

	require.NoError(t, s.Reset(ctx))
	assert.False(t, s.GetFlag("wanted"))
}
