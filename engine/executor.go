package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/metrics"
	"github.com/songzhibin97/sequence-engine/rules"
	"github.com/songzhibin97/sequence-engine/storage"
	"github.com/songzhibin97/sequence-engine/tags"
	"github.com/songzhibin97/sequence-engine/types"
	"github.com/songzhibin97/sequence-engine/validator"
	"github.com/songzhibin97/sequence-engine/zones"
)

// verdict is how a run ended.
type verdict struct {
	state   types.State
	message string
	err     error
}

// execution is the per-run state owned by one worker.
type execution struct {
	e        *Engine
	run      *Run
	seq      *types.Sequence
	env      *runEnv
	ctx      context.Context // for sinks; outlives cancellation
	logger   zerolog.Logger
	started  time.Time
	outcomes []types.CommandOutcome
	zones    []int
	errs     []string
}

// execute drives run to a terminal state. Claims are released on every exit
// path before the terminal event is fired.
func (e *Engine) execute(run *Run) {
	resources := run.seq.ResourceNames()
	defer e.claims.Release(run.id, resources)

	x := &execution{
		e:       e,
		run:     run,
		seq:     run.seq,
		env:     newRunEnv(run.seq, run.vars, e.flags, e.devices),
		ctx:     context.WithoutCancel(run.token.Context()),
		started: time.Now(),
		logger: e.logger.With().
			Uint64("run", run.id).
			Str("sequence", run.seq.Name).
			Logger(),
	}

	defer func() {
		if r := recover(); r != nil {
			x.logger.Error().Str("panic", fmt.Sprint(r)).Msg("run panicked")
			reason := fmt.Sprintf("internal error: %v", r)
			x.errs = append(x.errs, reason)
			e.claims.Release(run.id, resources)
			x.finish(verdict{
				state:   types.StateCommandFailed,
				message: reason,
				err:     errors.New(reason),
			})
		}
	}()

	v := x.runSequence()
	e.claims.Release(run.id, resources)
	x.finish(v)
}

func (x *execution) runSequence() verdict {
	x.fire(events.SequenceStarted, types.EventInfo, "", "sequence started", map[string]interface{}{
		"commands":  len(x.seq.Commands),
		"resources": x.seq.ResourceNames(),
		"vars":      x.env.Vars(),
	})

	if v, ok := x.checkResources(); !ok {
		return v
	}

	x.transition(types.StateGuardChecking)
	if v, ok := x.checkGuards(); !ok {
		return v
	}

	x.transition(types.StateRunning)
	for _, cmd := range x.seq.Commands {
		if v, ok := x.step(cmd); !ok {
			return v
		}
	}
	return verdict{state: types.StateCompleted, message: "sequence completed"}
}

// checkResources re-checks device requirements, which may have changed since
// the sequence was validated.
func (x *execution) checkResources() (verdict, bool) {
	var devices validator.DeviceStates
	if x.e.devices != nil {
		devices = x.e.devices
	}
	for _, r := range x.seq.Resources {
		var errs []error
		if !r.Available {
			errs = append(errs, &types.ResourceError{Resource: r.Name, Reason: "marked unavailable"})
		}
		errs = append(errs, validator.RequirementErrors(r, devices)...)
		if len(errs) == 0 {
			continue
		}
		for _, err := range errs {
			x.errs = append(x.errs, err.Error())
			x.fire(events.ResourceUnavailable, types.EventError, "", err.Error(), map[string]interface{}{
				"resource": r.Name,
			})
		}
		return verdict{state: types.StateResourceUnavailable, message: errs[0].Error(), err: errs[0]}, false
	}
	return verdict{}, true
}

func (x *execution) checkGuards() (verdict, bool) {
	for _, g := range x.seq.Guards {
		ok, err := x.e.evaluator.Evaluate(g.Condition, x.env)
		if ok {
			continue
		}
		payload := map[string]interface{}{"guard": g.Name, "severity": string(g.Severity)}
		if err != nil {
			payload["error"] = err.Error()
		}
		if !g.Blocking() {
			x.fire(events.GuardWarning, types.EventWarning, "", g.ErrorMessage, payload)
			continue
		}
		x.errs = append(x.errs, g.ErrorMessage)
		x.fire(events.SequenceGuardsFailed, types.EventError, "", g.ErrorMessage, payload)
		return verdict{
			state:   types.StateGuardFailed,
			message: g.ErrorMessage,
			err:     &types.GuardFailure{Guard: g.Name, Message: g.ErrorMessage},
		}, false
	}
	return verdict{}, true
}

// step runs one declared command. It reports false when the run must stop.
func (x *execution) step(cmd types.Command) (verdict, bool) {
	if x.run.token.Cancelled() {
		return x.cancelled(fmt.Sprintf("cancelled before %s", cmd.ID)), false
	}

	if hold, reason := x.conditionsHold(cmd); !hold {
		x.skip(cmd, reason)
		return verdict{}, true
	}

	tag, dec := x.e.dispatcher.DispatchAll(x.run.token.Context(), cmd.Tags, tags.Context{
		Sequence:  x.seq.Name,
		CommandID: cmd.ID,
		Base:      cmd.Name,
		Flags:     x.e.flags,
	})
	if dec.Action == tags.Halt {
		d, ok := x.suspend(cmd, tag, dec)
		if !ok {
			return x.cancelled(fmt.Sprintf("cancelled while waiting on %s", cmd.ID)), false
		}
		switch d {
		case Skip:
			x.skip(cmd, fmt.Sprintf("skipped by operator on %s", tag))
			return verdict{}, true
		case Abort:
			return x.cancelled(fmt.Sprintf("aborted by operator on %s", cmd.ID)), false
		}
	}

	outcome, err := x.dispatch(cmd)
	x.outcomes = append(x.outcomes, outcome)
	x.env.setLast(outcome)
	if errors.Is(err, types.ErrCancelled) {
		return x.cancelled(fmt.Sprintf("cancelled during %s", cmd.ID)), false
	}
	if err != nil {
		x.errs = append(x.errs, err.Error())
		x.zones = append(x.zones, outcome.FailedZones...)
		msg := fmt.Sprintf("command %s failed", cmd.ID)
		if outcome.Response != "" {
			msg = fmt.Sprintf("command %s failed: %s", cmd.ID, outcome.Response)
		}
		return verdict{state: types.StateCommandFailed, message: msg, err: err}, false
	}

	return x.evaluatePolicies(cmd)
}

// conditionsHold evaluates the command's conditions. An evaluation error
// counts as false.
func (x *execution) conditionsHold(cmd types.Command) (bool, string) {
	for i, c := range cmd.Conditions {
		p, err := rules.FromCondition(c)
		if err != nil {
			return false, fmt.Sprintf("condition %d: %v", i, err)
		}
		ok, err := p.Eval(x.env)
		if err != nil {
			return false, fmt.Sprintf("condition %d: %v", i, err)
		}
		if !ok {
			return false, fmt.Sprintf("condition %s is false", p)
		}
	}
	return true, ""
}

func (x *execution) skip(cmd types.Command, reason string) {
	x.outcomes = append(x.outcomes, types.CommandOutcome{
		ID:               cmd.ID,
		Status:           types.CommandSkipped,
		RetriesRemaining: cmd.RetryAttempts,
	})
	x.fire(events.CommandSkipped, types.EventInfo, cmd.ID, reason, nil)
}

// suspend parks the run until an operator decides or the token is cancelled.
// ok is false on cancellation.
func (x *execution) suspend(cmd types.Command, tag string, dec tags.Decision) (Decision, bool) {
	x.run.setPending(&Pending{
		CommandID: cmd.ID,
		Tag:       tag,
		DialogKey: dec.DialogKey,
		Message:   dec.Message,
	})
	x.transition(types.StateSuspended)
	x.fire(events.ResolutionRequired, types.EventWarning, cmd.ID, dec.Message, map[string]interface{}{
		"tag":        tag,
		"dialog_key": dec.DialogKey,
	})
	x.logger.Info().Str("command", cmd.ID).Str("tag", tag).Msg("waiting for operator")

	var d Decision
	select {
	case d = <-x.run.decisions:
	case <-x.run.token.Done():
		x.run.setPending(nil)
		return 0, false
	}
	x.run.setPending(nil)
	if d == Abort {
		return d, true
	}

	x.transition(types.StateRunning)
	x.fire(events.SequenceResumed, types.EventInfo, cmd.ID, "", map[string]interface{}{
		"decision": d.String(),
	})
	return d, true
}

// dispatch sends the physical commands of cmd and aggregates their outcome.
func (x *execution) dispatch(cmd types.Command) (types.CommandOutcome, error) {
	start := time.Now()
	outcome := types.CommandOutcome{ID: cmd.ID, RetriesRemaining: cmd.RetryAttempts}

	if cmd.Type == types.CommandWait {
		return x.wait(cmd, outcome)
	}

	physical := []types.Command{cmd}
	var mask zones.Mask
	if cmd.Type == types.CommandMultizone {
		m, err := zones.ResolveValue(cmd.Parameters[zones.ParamZones])
		if err != nil {
			outcome.Status = types.CommandFailed
			outcome.Error = err.Error()
			x.fire(events.CommandFailed, types.EventError, cmd.ID, err.Error(), nil)
			return outcome, &types.CommandFailure{CommandID: cmd.ID, Reason: err.Error()}
		}
		mask = m
		var caps zones.Capabilities
		if x.e.devices != nil {
			caps = x.e.devices
		}
		physical = zones.Expand(cmd, mask, caps)
	}

	texts := make([]string, 0, len(physical))
	for _, pc := range physical {
		texts = append(texts, pc.Text)
	}
	startPayload := map[string]interface{}{
		"type":   string(cmd.Type),
		"device": cmd.Device,
		"text":   texts,
	}
	if cmd.Type == types.CommandMultizone {
		startPayload["zones"] = mask.Zones()
		startPayload["mask"] = mask.String()
	}
	x.fire(events.CommandStarted, types.EventInfo, cmd.ID, "", startPayload)

	var failure *types.CommandFailure
	var failed []int
	for _, pc := range physical {
		if x.run.token.Cancelled() {
			outcome.Status = types.CommandCancelled
			outcome.Elapsed = time.Since(start)
			return outcome, types.ErrCancelled
		}
		a, err := x.attempt(pc)
		outcome.Attempts += a.attempts
		if a.remaining < outcome.RetriesRemaining {
			outcome.RetriesRemaining = a.remaining
		}
		if a.response.Text != "" {
			outcome.Response = a.response.Text
		}
		if errors.Is(err, types.ErrCancelled) {
			outcome.Status = types.CommandCancelled
			outcome.Elapsed = time.Since(start)
			return outcome, err
		}
		if err == nil {
			continue
		}
		var cf *types.CommandFailure
		if errors.As(err, &cf) && failure == nil {
			failure = cf
		}
		switch {
		case pc.Zone > 0:
			failed = append(failed, pc.Zone)
		case cmd.Type == types.CommandMultizone:
			failed = append(failed, mask.Zones()...)
		}
	}
	outcome.Elapsed = time.Since(start)

	if failure != nil {
		outcome.Status = types.CommandFailed
		outcome.FailedZones = zones.Sorted(failed)
		outcome.Error = failure.Reason
		if len(outcome.FailedZones) > 0 {
			failure.Reason = fmt.Sprintf("%s (failed zones %v)", failure.Reason, outcome.FailedZones)
		}
		x.fire(events.CommandFailed, types.EventError, cmd.ID, failure.Error(), map[string]interface{}{
			metrics.ElapsedKey:  outcome.Elapsed,
			"attempts":          outcome.Attempts,
			"retries_remaining": outcome.RetriesRemaining,
			"response":          outcome.Response,
			"timeout":           failure.Timeout,
			"failed_zones":      outcome.FailedZones,
		})
		return outcome, failure
	}

	outcome.Status = types.CommandCompleted
	x.fire(events.CommandCompleted, types.EventSuccess, cmd.ID, outcome.Response, map[string]interface{}{
		metrics.ElapsedKey:  outcome.Elapsed,
		"attempts":          outcome.Attempts,
		"retries_remaining": outcome.RetriesRemaining,
		"response":          outcome.Response,
	})
	return outcome, nil
}

func (x *execution) wait(cmd types.Command, outcome types.CommandOutcome) (types.CommandOutcome, error) {
	start := time.Now()
	d, err := cmd.WaitDuration()
	if err != nil {
		outcome.Status = types.CommandFailed
		outcome.Error = err.Error()
		x.fire(events.CommandFailed, types.EventError, cmd.ID, err.Error(), nil)
		return outcome, &types.CommandFailure{CommandID: cmd.ID, Reason: err.Error()}
	}
	x.fire(events.CommandStarted, types.EventInfo, cmd.ID, "", map[string]interface{}{
		"type":     string(cmd.Type),
		"duration": d.String(),
	})

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-x.run.token.Done():
		outcome.Status = types.CommandCancelled
		outcome.Elapsed = time.Since(start)
		return outcome, types.ErrCancelled
	}

	outcome.Status = types.CommandCompleted
	outcome.Attempts = 1
	outcome.Elapsed = time.Since(start)
	x.fire(events.CommandCompleted, types.EventSuccess, cmd.ID, "", map[string]interface{}{
		metrics.ElapsedKey:  outcome.Elapsed,
		"attempts":          outcome.Attempts,
		"retries_remaining": outcome.RetriesRemaining,
	})
	return outcome, nil
}

type attemptResult struct {
	response  types.Response
	attempts  int
	remaining int
}

// attempt sends one physical command, retrying timeouts and transport errors
// while retries remain. A reply the executor marks unsuccessful fails at once.
func (x *execution) attempt(cmd types.Command) (attemptResult, error) {
	res := attemptResult{remaining: cmd.RetryAttempts}
	for {
		if x.run.token.Cancelled() {
			return res, types.ErrCancelled
		}
		res.attempts++

		ctx, cancel := context.WithTimeout(x.run.token.Context(), cmd.Timeout)
		resp, err := x.call(ctx, cmd)
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()
		res.response = resp

		switch {
		case err == nil && resp.Success:
			return res, nil
		case err == nil:
			return res, &types.CommandFailure{
				CommandID: cmd.ID,
				Response:  resp.Text,
				Reason:    "device reported an error",
			}
		case x.run.token.Cancelled():
			return res, types.ErrCancelled
		}

		reason := err.Error()
		if timedOut {
			reason = fmt.Sprintf("no response within %s", cmd.Timeout)
		}
		if res.remaining == 0 {
			return res, &types.CommandFailure{
				CommandID: cmd.ID,
				Response:  resp.Text,
				Timeout:   timedOut,
				Reason:    fmt.Sprintf("%s after %d attempts", reason, res.attempts),
			}
		}
		res.remaining--

		payload := map[string]interface{}{
			"attempt":           res.attempts,
			"retries_remaining": res.remaining,
			"timeout":           timedOut,
		}
		if cmd.Zone > 0 {
			payload["zone"] = cmd.Zone
		}
		x.fire(events.CommandRetry, types.EventWarning, cmd.ID, reason, payload)
		x.logger.Warn().
			Str("command", cmd.ID).
			Int("attempt", res.attempts).
			Int("retries_remaining", res.remaining).
			Msg(reason)
	}
}

// call runs the executor in its own goroutine and gives up when ctx ends, so
// an executor that ignores its context cannot hold the worker past the
// command timeout. The abandoned call finishes in the background.
func (x *execution) call(ctx context.Context, cmd types.Command) (types.Response, error) {
	type reply struct {
		resp types.Response
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		resp, err := x.e.executor.Execute(ctx, cmd)
		done <- reply{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		select {
		case r := <-done:
			return r.resp, r.err
		default:
		}
		x.logger.Debug().Str("command", cmd.ID).Msg("executor did not return before its deadline")
		return types.Response{}, ctx.Err()
	}
}

// evaluatePolicies runs every policy after a completed command. The first
// matching rule of each policy acts; stop_sequence ends the run.
func (x *execution) evaluatePolicies(cmd types.Command) (verdict, bool) {
	for _, p := range x.seq.Policies {
		rule, err := rules.FirstMatch(x.e.evaluator, p, x.env)
		if err != nil {
			x.fire(events.PolicyWarning, types.EventWarning, cmd.ID, err.Error(), map[string]interface{}{
				"policy": p.Name,
			})
			continue
		}
		if rule == nil {
			continue
		}
		payload := map[string]interface{}{"policy": p.Name, "rule": rule.Name}
		switch rule.Action {
		case types.ActionStopSequence:
			x.errs = append(x.errs, fmt.Sprintf("policy %s rule %s", p.Name, rule.Name))
			x.fire(events.PolicyViolated, types.EventError, cmd.ID, rule.Name, payload)
			return verdict{
				state:   types.StatePolicyViolated,
				message: rule.Name,
				err:     &types.PolicyViolation{Policy: p.Name, Rule: rule.Name},
			}, false
		case types.ActionWarn:
			x.fire(events.PolicyWarning, types.EventWarning, cmd.ID, rule.Name, payload)
		case types.ActionEmit:
			x.fire(rule.Event, types.EventInfo, cmd.ID, rule.Name, payload)
		}
	}
	return verdict{}, true
}

func (x *execution) cancelled(message string) verdict {
	return verdict{state: types.StateCancelled, message: message, err: types.ErrCancelled}
}

// finish enters the terminal state, fires the closing event with the result
// and releases waiters.
func (x *execution) finish(v verdict) {
	x.transition(v.state)

	finished := time.Now()
	res := types.ExecutionResult{
		RunID:       x.run.id,
		Sequence:    x.seq.Name,
		Success:     v.state == types.StateCompleted,
		State:       v.state,
		Message:     v.message,
		Outcomes:    x.outcomes,
		FailedZones: zones.Sorted(x.zones),
		Errors:      x.errs,
		StartedAt:   x.started.UTC(),
		FinishedAt:  finished.UTC(),
		Elapsed:     finished.Sub(x.started),
	}

	name, typ := events.SequenceFailed, types.EventError
	switch v.state {
	case types.StateCompleted:
		name, typ = events.SequenceCompleted, types.EventSuccess
	case types.StateCancelled:
		name, typ = events.SequenceCancelled, types.EventWarning
	}
	x.fire(name, typ, "", v.message, map[string]interface{}{
		storage.ResultKey: res,
	})

	x.logger.Info().
		Str("state", string(v.state)).
		Dur("elapsed", res.Elapsed).
		Msg(v.message)
	x.run.finish(res, v.err)
}

func (x *execution) transition(to types.State) {
	from := x.run.State()
	if from == to {
		return
	}
	x.run.setState(to)
	x.fire(events.StateChanged, types.EventInfo, "", "", map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
}

// fire records an event on the run's trail and forwards it to every sink in
// order. Declared events with the same name contribute their type, handlers
// and payload defaults.
func (x *execution) fire(name string, typ types.EventType, commandID, message string, payload map[string]interface{}) {
	ev := events.New(name, typ)
	ev.RunID = x.run.id
	ev.Sequence = x.seq.Name
	ev.CommandID = commandID
	ev.Message = message
	ev.Payload = payload

	if decl, ok := x.seq.Event(name); ok {
		ev.Type = decl.Type
		ev.Handlers = decl.Handlers
		if len(decl.Payload) > 0 {
			merged := make(map[string]interface{}, len(decl.Payload)+len(payload))
			for k, v := range decl.Payload {
				merged[k] = v
			}
			for k, v := range payload {
				merged[k] = v
			}
			ev.Payload = merged
		}
	}

	ev = x.run.appendEvent(ev)
	for _, s := range x.e.sinks {
		if err := s.Record(x.ctx, ev); err != nil {
			x.logger.Warn().Err(err).Str("event", name).Msg("sink rejected event")
		}
	}
}
