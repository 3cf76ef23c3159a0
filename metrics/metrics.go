// Package metrics exposes engine activity as Prometheus metrics. The collector
// is fed from the event stream, so it sees exactly what the audit trail sees.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/types"
)

// Payload keys read from command events.
const (
	ElapsedKey = "elapsed"
)

// Collector holds the engine metrics. It implements events.Sink.
type Collector struct {
	runsStarted      prometheus.Counter
	runsFinished     *prometheus.CounterVec
	commandsSent     prometheus.Counter
	commandRetries   prometheus.Counter
	commandsFailed   prometheus.Counter
	commandLatency   prometheus.Histogram
	activeRuns       prometheus.Gauge
	claimedResources prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequence_runs_started_total",
			Help: "Total number of runs started",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequence_runs_finished_total",
			Help: "Total number of runs that reached a terminal state",
		}, []string{"state"}),
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequence_commands_dispatched_total",
			Help: "Total number of commands dispatched to devices",
		}),
		commandRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequence_command_retries_total",
			Help: "Total number of command retries after a timeout",
		}),
		commandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequence_commands_failed_total",
			Help: "Total number of commands that failed",
		}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sequence_command_latency_seconds",
			Help:    "Command round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sequence_runs_active",
			Help: "Current number of runs between start and a terminal state",
		}),
		claimedResources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sequence_resources_claimed",
			Help: "Current number of claimed resources",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.runsStarted, c.runsFinished, c.commandsSent, c.commandRetries,
		c.commandsFailed, c.commandLatency, c.activeRuns, c.claimedResources,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Record implements events.Sink.
func (c *Collector) Record(_ context.Context, ev events.Event) error {
	switch ev.Name {
	case events.SequenceStarted:
		c.runsStarted.Inc()
		c.activeRuns.Inc()
	case events.CommandStarted:
		c.commandsSent.Inc()
	case events.CommandRetry:
		c.commandRetries.Inc()
	case events.CommandCompleted:
		c.observeLatency(ev)
	case events.CommandFailed:
		c.commandsFailed.Inc()
		c.observeLatency(ev)
	case events.SequenceCompleted, events.SequenceFailed, events.SequenceCancelled:
		c.RecordFinished(ev.State)
		c.activeRuns.Dec()
	}
	return nil
}

func (c *Collector) observeLatency(ev events.Event) {
	if d, ok := ev.Payload[ElapsedKey].(time.Duration); ok {
		c.commandLatency.Observe(d.Seconds())
	}
}

// RecordFinished counts a run ending in state.
func (c *Collector) RecordFinished(state types.State) {
	c.runsFinished.WithLabelValues(string(state)).Inc()
}

// SetClaimed sets the number of claimed resources.
func (c *Collector) SetClaimed(n int) {
	c.claimedResources.Set(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
