package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/types"
)

// Helper function to create a sample event
func newEvent(runID, seq uint64, name string) events.Event {
	ev := events.New(name, types.EventInfo)
	ev.RunID = runID
	ev.Seq = seq
	ev.Sequence = "prime"
	ev.State = types.StateRunning
	return ev
}

// Helper function to create a sample result
func newResult(runID uint64, success bool) types.ExecutionResult {
	state := types.StateCompleted
	if !success {
		state = types.StateCommandFailed
	}
	now := time.Now().UTC()
	return types.ExecutionResult{
		RunID:    runID,
		Sequence: "prime",
		Success:  success,
		State:    state,
		Message:  string(state),
		Outcomes: []types.CommandOutcome{
			{ID: "fill", Status: types.CommandCompleted, Attempts: 1},
		},
		StartedAt:  now.Add(-time.Second),
		FinishedAt: now,
		Elapsed:    time.Second,
	}
}

func names(evs []events.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Name)
	}
	return out
}

// runStorageSuite exercises the behaviour shared by every backend. base keeps
// run ids apart when a backend is shared between test runs.
func runStorageSuite(t *testing.T, store Archive, base uint64) {
	ctx := context.Background()

	t.Run("AppendAndReadTrail", func(t *testing.T) {
		run := base + 1
		for i, name := range []string{events.SequenceStarted, events.CommandStarted, events.CommandCompleted} {
			require.NoError(t, store.AppendEvent(ctx, newEvent(run, uint64(i+1), name)))
		}

		got, err := store.Events(ctx, run)
		require.NoError(t, err)
		assert.Equal(t, []string{events.SequenceStarted, events.CommandStarted, events.CommandCompleted}, names(got))
		assert.Equal(t, uint64(3), got[2].Seq)
		assert.Equal(t, run, got[0].RunID)
	})

	t.Run("EventsNotFound", func(t *testing.T) {
		_, err := store.Events(ctx, base+999)
		assert.True(t, errors.Is(err, ErrRunNotFound))
	})

	t.Run("SaveAndGetResult", func(t *testing.T) {
		res := newResult(base+2, true)
		require.NoError(t, store.SaveResult(ctx, res))

		got, err := store.GetResult(ctx, base+2)
		require.NoError(t, err)
		assert.Equal(t, res.Sequence, got.Sequence)
		assert.Equal(t, res.State, got.State)
		assert.Equal(t, res.Outcomes, got.Outcomes)
		assert.True(t, res.FinishedAt.Equal(got.FinishedAt))

		// saving again overwrites
		res.Message = "updated"
		require.NoError(t, store.SaveResult(ctx, res))
		got, err = store.GetResult(ctx, base+2)
		require.NoError(t, err)
		assert.Equal(t, "updated", got.Message)
	})

	t.Run("GetResultNotFound", func(t *testing.T) {
		_, err := store.GetResult(ctx, base+998)
		assert.True(t, errors.Is(err, ErrResultNotFound))
	})

	t.Run("AppendEvents", func(t *testing.T) {
		run := base + 3
		batch := []events.Event{
			newEvent(run, 1, events.SequenceStarted),
			newEvent(run, 2, events.SequenceCompleted),
		}
		require.NoError(t, store.AppendEvents(ctx, batch))
		got, err := store.Events(ctx, run)
		require.NoError(t, err)
		assert.Equal(t, []string{events.SequenceStarted, events.SequenceCompleted}, names(got))
	})

	t.Run("SinkStoresResult", func(t *testing.T) {
		run := base + 4
		sink := NewSink(store)
		res := newResult(run, false)
		ev := newEvent(run, 1, events.SequenceFailed)
		ev.Payload = map[string]interface{}{ResultKey: res}

		require.NoError(t, sink.Record(ctx, ev))

		got, err := store.GetResult(ctx, run)
		require.NoError(t, err)
		assert.Equal(t, types.StateCommandFailed, got.State)

		trail, err := store.Events(ctx, run)
		require.NoError(t, err)
		assert.Len(t, trail, 1)
	})

	t.Run("Runs", func(t *testing.T) {
		ids, err := store.Runs(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, base+1)
		assert.Contains(t, ids, base+3)
	})

	t.Run("ClearSucceeded", func(t *testing.T) {
		ok, failed := base+5, base+6
		require.NoError(t, store.AppendEvent(ctx, newEvent(ok, 1, events.SequenceCompleted)))
		require.NoError(t, store.SaveResult(ctx, newResult(ok, true)))
		require.NoError(t, store.AppendEvent(ctx, newEvent(failed, 1, events.SequenceFailed)))
		require.NoError(t, store.SaveResult(ctx, newResult(failed, false)))

		require.NoError(t, store.ClearSucceeded(ctx))

		_, err := store.GetResult(ctx, ok)
		assert.True(t, errors.Is(err, ErrResultNotFound))
		_, err = store.Events(ctx, ok)
		assert.True(t, errors.Is(err, ErrRunNotFound))

		_, err = store.GetResult(ctx, failed)
		assert.NoError(t, err)
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		run := base + 7
		var wg sync.WaitGroup
		const n = 20
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.AppendEvent(ctx, newEvent(run, uint64(i+1), fmt.Sprintf("ev_%d", i)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := store.Events(ctx, run)
		require.NoError(t, err)
		assert.Len(t, got, n)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := store.AppendEvent(cctx, newEvent(base+8, 1, events.SequenceStarted))
		assert.Error(t, err)
	})
}
