package engine

import (
	"context"
	"sync"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/types"
)

// Decision is an operator's answer to a suspended run.
type Decision int

const (
	// Resume dispatches the held command.
	Resume Decision = iota
	// Skip drops the held command and continues with the next one.
	Skip
	// Abort cancels the run.
	Abort
)

func (d Decision) String() string {
	switch d {
	case Resume:
		return "resume"
	case Skip:
		return "skip"
	case Abort:
		return "abort"
	}
	return "unknown"
}

// Pending describes what a suspended run is waiting for.
type Pending struct {
	CommandID string `json:"command_id"`
	Tag       string `json:"tag"`
	DialogKey string `json:"dialog_key"`
	Message   string `json:"message"`
}

// Run is one execution of a sequence.
type Run struct {
	id        uint64
	seq       *types.Sequence
	vars      map[string]float64
	token     *Token
	decisions chan Decision
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	state   types.State
	trail   []events.Event
	pending *Pending
	result  types.ExecutionResult
	err     error
}

func newRun(id uint64, seq *types.Sequence, vars map[string]float64, token *Token) *Run {
	return &Run{
		id:        id,
		seq:       seq,
		vars:      vars,
		token:     token,
		decisions: make(chan Decision, 1),
		done:      make(chan struct{}),
		state:     types.StateIdle,
	}
}

// ID returns the run id.
func (r *Run) ID() uint64 { return r.id }

// Sequence returns the name of the sequence being run.
func (r *Run) Sequence() string { return r.seq.Name }

// State returns the current state.
func (r *Run) State() types.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Trail returns the events fired so far, in firing order.
func (r *Run) Trail() []events.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]events.Event(nil), r.trail...)
}

// Pending returns what a suspended run is waiting for.
func (r *Run) Pending() (Pending, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pending == nil {
		return Pending{}, false
	}
	return *r.pending, true
}

// Cancel requests cancellation. It is safe to call at any time and more than once.
func (r *Run) Cancel() {
	r.token.Cancel()
}

// Resolve answers a suspended run. Only one decision is accepted per suspension.
func (r *Run) Resolve(d Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != types.StateSuspended || r.pending == nil {
		return ErrNotSuspended
	}
	select {
	case r.decisions <- d:
		r.pending = nil
		return nil
	default:
		return ErrNotSuspended
	}
}

// Done is closed once the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done. The error is nil for a
// completed run, types.ErrCancelled for a cancelled one and the typed failure
// otherwise.
func (r *Run) Wait(ctx context.Context) (types.ExecutionResult, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return types.ExecutionResult{}, ctx.Err()
	}
}

// Result returns the outcome of a finished run and ErrRunNotFinished before.
func (r *Run) Result() (types.ExecutionResult, error) {
	select {
	case <-r.done:
	default:
		return types.ExecutionResult{}, ErrRunNotFinished
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result, r.err
}

func (r *Run) setState(s types.State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) setPending(p *Pending) {
	r.mu.Lock()
	r.pending = p
	r.mu.Unlock()
}

func (r *Run) appendEvent(ev events.Event) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Seq = uint64(len(r.trail) + 1)
	ev.State = r.state
	r.trail = append(r.trail, ev)
	return ev
}

func (r *Run) finish(res types.ExecutionResult, err error) {
	r.mu.Lock()
	r.result = res
	r.err = err
	r.pending = nil
	r.mu.Unlock()
	r.closeOnce.Do(func() { close(r.done) })
}
