// Package validator checks parsed sequences before the engine accepts them.
// Validation runs three phases in order (types, policies, resources) and
// stops after the first phase that reports errors.
package validator

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/songzhibin97/sequence-engine/logging"
	"github.com/songzhibin97/sequence-engine/rules"
	"github.com/songzhibin97/sequence-engine/types"
	"github.com/songzhibin97/sequence-engine/zones"
)

// DeviceStates answers resource requirement checks.
type DeviceStates interface {
	DeviceState(device string) (string, bool)
}

// CommandValidator is the optional syntax hook of the command executor.
type CommandValidator interface {
	Validate(text string) bool
}

// Validator validates sequences. It is safe for concurrent use.
type Validator struct {
	devices   DeviceStates
	commands  CommandValidator
	evaluator *rules.ExprEvaluator
	logger    zerolog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithDeviceStates sets the provider used by the resource phase.
func WithDeviceStates(d DeviceStates) Option {
	return func(v *Validator) {
		v.devices = d
	}
}

// WithCommandValidator enables the command text hook.
func WithCommandValidator(c CommandValidator) Option {
	return func(v *Validator) {
		v.commands = c
	}
}

// WithEvaluator shares a compiled-expression cache with the engine.
func WithEvaluator(e *rules.ExprEvaluator) Option {
	return func(v *Validator) {
		v.evaluator = e
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		evaluator: rules.NewExprEvaluator(),
		logger:    logging.Component("validator"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs all phases. Validating an unchanged sequence twice yields
// equal results.
func (v *Validator) Validate(seq *types.Sequence) types.ValidationResult {
	res := types.ValidationResult{}
	if seq == nil {
		res.Errors = []error{&types.TypeError{Location: "sequence", Reason: "nil sequence"}}
		return res
	}

	phases := []struct {
		name string
		run  func(*types.Sequence, *types.ValidationResult)
	}{
		{"type", v.checkTypes},
		{"policy", v.checkPolicies},
		{"resource", v.checkResources},
	}
	for _, p := range phases {
		p.run(seq, &res)
		if len(res.Errors) > 0 {
			v.logger.Debug().
				Str("sequence", seq.Name).
				Str("phase", p.name).
				Int("errors", len(res.Errors)).
				Msg("validation failed")
			break
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// Check validates seq and returns a *types.ValidationError when it is invalid.
func (v *Validator) Check(seq *types.Sequence) (types.ValidationResult, error) {
	res := v.Validate(seq)
	if !res.Valid {
		name := ""
		if seq != nil {
			name = seq.Name
		}
		return res, &types.ValidationError{Sequence: name, Errors: res.Errors}
	}
	return res, nil
}

func (v *Validator) checkTypes(seq *types.Sequence, res *types.ValidationResult) {
	typeErr := func(loc, format string, args ...interface{}) {
		res.Errors = append(res.Errors, &types.TypeError{Location: loc, Reason: fmt.Sprintf(format, args...)})
	}

	if len(seq.Commands) == 0 {
		typeErr("commands", "sequence has no commands")
	}

	for _, ev := range seq.Events {
		if !ev.Type.Valid() {
			typeErr(fmt.Sprintf("event %q", ev.Name), "unknown event type %q", ev.Type)
		}
	}

	ids := make(map[string]bool, len(seq.Commands))
	for _, cmd := range seq.Commands {
		loc := fmt.Sprintf("command %q", cmd.ID)
		if ids[cmd.ID] {
			typeErr(loc, "duplicate command id")
		}
		ids[cmd.ID] = true

		if cmd.Timeout <= 0 {
			typeErr(loc, "timeout must be positive")
		}
		if cmd.RetryAttempts < 0 {
			typeErr(loc, "retry_attempts must not be negative")
		}

		switch cmd.Type {
		case types.CommandRegular:
			for _, key := range sortedKeys(cmd.Parameters) {
				if key == zones.ParamZones {
					typeErr(loc, "zones parameter requires a multizone command")
					continue
				}
				if !scalar(cmd.Parameters[key]) {
					typeErr(loc, "parameter %q must be a scalar, got %T", key, cmd.Parameters[key])
				}
			}
		case types.CommandWait:
			if _, err := cmd.WaitDuration(); err != nil {
				typeErr(loc, "%v", err)
			}
		case types.CommandMultizone:
			sel, ok := cmd.Parameters[zones.ParamZones]
			if !ok {
				typeErr(loc, "multizone command needs a zones parameter")
			} else if _, err := zones.ResolveValue(sel); err != nil {
				typeErr(loc, "%v", err)
			}
		default:
			typeErr(loc, "unknown command type %q", cmd.Type)
		}

		for i, c := range cmd.Conditions {
			if _, err := rules.FromCondition(c); err != nil {
				typeErr(fmt.Sprintf("%s condition %d", loc, i), "%v", err)
			}
		}

		if v.commands != nil && cmd.Type != types.CommandWait && !v.commands.Validate(cmd.Text) {
			typeErr(loc, "command text %q rejected by executor", cmd.Text)
		}
	}

	for _, g := range seq.Guards {
		if _, err := v.evaluator.Compile(g.Condition); err != nil {
			typeErr(fmt.Sprintf("guard %q", g.Name), "%v", err)
		}
	}

	for _, p := range seq.Policies {
		for _, r := range p.Rules {
			loc := fmt.Sprintf("policy %q rule %q", p.Name, r.Name)
			if _, err := v.evaluator.Compile(r.Condition); err != nil {
				typeErr(loc, "%v", err)
			}
			if !r.Action.Valid() {
				typeErr(loc, "unknown action %q", r.Action)
			}
			if r.Action == types.ActionEmit {
				if _, ok := seq.Event(r.Event); !ok {
					typeErr(loc, "emits undeclared event %q", r.Event)
				}
			}
		}
	}
}

func (v *Validator) checkPolicies(seq *types.Sequence, res *types.ValidationResult) {
	for _, p := range seq.Policies {
		if len(p.Rules) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("policy %q has no rules", p.Name))
			continue
		}
		names := make(map[string]bool, len(p.Rules))
		byPriority := make(map[int]types.Rule, len(p.Rules))
		for _, r := range p.Rules {
			if names[r.Name] {
				res.Errors = append(res.Errors, &types.PolicyError{Policy: p.Name, Rule: r.Name, Reason: "duplicate rule name"})
			}
			names[r.Name] = true

			first, ok := byPriority[r.Priority]
			if !ok {
				byPriority[r.Priority] = r
				continue
			}
			if first.Action != r.Action {
				res.Warnings = append(res.Warnings, fmt.Sprintf(
					"policy %q: rules %q (%s) and %q (%s) share priority %d; %q wins by declaration order",
					p.Name, first.Name, first.Action, r.Name, r.Action, r.Priority, first.Name))
			}
		}
	}
}

func (v *Validator) checkResources(seq *types.Sequence, res *types.ValidationResult) {
	for _, r := range seq.Resources {
		if !r.Available {
			res.Errors = append(res.Errors, &types.ResourceError{Resource: r.Name, Reason: "marked unavailable"})
			continue
		}
		for _, err := range RequirementErrors(r, v.devices) {
			res.Errors = append(res.Errors, err)
		}
	}
}

// RequirementErrors checks the device requirements of r against devices in a
// stable order.
func RequirementErrors(r types.Resource, devices DeviceStates) []error {
	if len(r.Requirements) == 0 {
		return nil
	}
	if devices == nil {
		return []error{&types.ResourceError{Resource: r.Name, Reason: "no device state provider"}}
	}
	var errs []error
	keys := make([]string, 0, len(r.Requirements))
	for k := range r.Requirements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, device := range keys {
		want := r.Requirements[device]
		got, ok := devices.DeviceState(device)
		switch {
		case !ok:
			errs = append(errs, &types.ResourceError{Resource: r.Name, Reason: fmt.Sprintf("device %q unknown", device)})
		case got != want:
			errs = append(errs, &types.ResourceError{
				Resource: r.Name,
				Reason:   fmt.Sprintf("device %q is %q, requires %q", device, got, want),
			})
		}
	}
	return errs
}

func scalar(v interface{}) bool {
	switch v.(type) {
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
