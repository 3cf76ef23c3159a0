package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	return c, reg
}

func TestNewCollector(t *testing.T) {
	c, _ := newTestCollector(t)
	assert.NotNil(t, c.runsStarted, "runsStarted counter should be initialized")
	assert.NotNil(t, c.runsFinished, "runsFinished counter should be initialized")
	assert.NotNil(t, c.commandLatency, "commandLatency histogram should be initialized")
}

func TestNewCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)
	_, err = NewCollector(reg)
	assert.Error(t, err)
}

func TestRecord(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx := context.Background()

	record := func(name string, state types.State, payload map[string]interface{}) {
		ev := events.New(name, types.EventInfo)
		ev.State = state
		ev.Payload = payload
		require.NoError(t, c.Record(ctx, ev))
	}

	record(events.SequenceStarted, types.StateRunning, nil)
	record(events.CommandStarted, types.StateRunning, nil)
	record(events.CommandRetry, types.StateRunning, nil)
	record(events.CommandStarted, types.StateRunning, nil)
	record(events.CommandCompleted, types.StateRunning, map[string]interface{}{ElapsedKey: 20 * time.Millisecond})
	record(events.SequenceCompleted, types.StateCompleted, nil)

	record(events.SequenceStarted, types.StateRunning, nil)
	record(events.CommandFailed, types.StateCommandFailed, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsStarted))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.commandsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.commandLatency))

	record(events.SequenceFailed, types.StateCommandFailed, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("command_failed")))
}

func TestSetClaimed(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SetClaimed(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.claimedResources))
	c.SetClaimed(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.claimedResources))
}

func TestHandler(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordFinished(types.StateCancelled)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `sequence_runs_finished_total{state="cancelled"} 1`))
}
