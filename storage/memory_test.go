package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStorage(t *testing.T) {
	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.Empty(t, store.trails)
		assert.Empty(t, store.results)
	})

	runStorageSuite(t, NewMemoryStorage(), 0)
}

func TestMemoryStorage_TrailIsCopied(t *testing.T) {
	store := NewMemoryStorage()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	assert.NoError(t, store.AppendEvent(ctx, newEvent(1, 1, "a")))

	got, err := store.Events(ctx, 1)
	assert.NoError(t, err)
	got[0].Name = "mutated"

	again, _ := store.Events(ctx, 1)
	assert.Equal(t, "a", again[0].Name)
}
