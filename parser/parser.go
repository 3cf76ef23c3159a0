// Package parser turns TOML sequence definitions into types.Sequence values.
// It performs syntactic checks only; semantic checks belong to the validator.
package parser

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/songzhibin97/sequence-engine/tags"
	"github.com/songzhibin97/sequence-engine/types"
)

// DefaultTimeout applies to commands that declare no timeout.
const DefaultTimeout = 10 * time.Second

type options struct {
	defaultTimeout time.Duration
	tagSuffixes    []string
}

// Option configures Parse.
type Option func(*options)

// WithDefaultTimeout sets the timeout of commands that declare none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// WithTagSuffixes sets the suffix tags recognised in command ids.
func WithTagSuffixes(suffixes ...string) Option {
	return func(o *options) {
		o.tagSuffixes = append([]string(nil), suffixes...)
	}
}

// ParseFile reads and parses a definition file.
func ParseFile(path string, opts ...Option) (*types.Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(string(data), opts...)
}

// Parse decodes one sequence definition. It never returns a partial sequence:
// any problem yields a *types.ParseError and a nil sequence.
func Parse(text string, opts ...Option) (*types.Sequence, error) {
	o := options{
		defaultTimeout: DefaultTimeout,
		tagSuffixes:    []string{tags.WantedTag},
	}
	for _, opt := range opts {
		opt(&o)
	}

	var doc document
	md, err := toml.Decode(text, &doc)
	if err != nil {
		return nil, decodeError(err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, &types.ParseError{
			Location: undecoded[0].String(),
			Reason:   "unknown key",
		}
	}

	b := builder{opts: o}
	seq := b.sequence(doc)
	if b.err != nil {
		return nil, b.err
	}
	return seq, nil
}

func decodeError(err error) error {
	var perr toml.ParseError
	if errors.As(err, &perr) {
		return &types.ParseError{
			Location: fmt.Sprintf("line %d", perr.Position.Line),
			Reason:   perr.Message,
		}
	}
	return &types.ParseError{Reason: err.Error()}
}

// builder converts the decoded document, keeping the first error.
type builder struct {
	opts options
	err  error
}

func (b *builder) fail(location, format string, args ...interface{}) {
	if b.err == nil {
		b.err = &types.ParseError{Location: location, Reason: fmt.Sprintf(format, args...)}
	}
}

func (b *builder) sequence(doc document) *types.Sequence {
	name := strings.TrimSpace(doc.Sequence.Name)
	if name == "" {
		b.fail("sequence.name", "required")
	}
	seq := &types.Sequence{
		Name:        name,
		Description: doc.Sequence.Description,
		Version:     doc.Sequence.Version,
	}
	if len(doc.Vars) > 0 {
		seq.Vars = make(map[string]float64, len(doc.Vars))
		for k, v := range doc.Vars {
			seq.Vars[k] = v
		}
	}

	eventNames := make(map[string]bool)
	for i, e := range doc.Events {
		ev := b.event(fmt.Sprintf("events[%d]", i), e)
		if ev.Name != "" && eventNames[ev.Name] {
			b.fail(fmt.Sprintf("events[%d].name", i), "duplicate event %q", ev.Name)
		}
		eventNames[ev.Name] = true
		seq.Events = append(seq.Events, ev)
	}

	for i, g := range doc.Guards {
		seq.Guards = append(seq.Guards, b.guard(fmt.Sprintf("guards[%d]", i), g))
	}

	for i, p := range doc.Policies {
		seq.Policies = append(seq.Policies, b.policy(fmt.Sprintf("policies[%d]", i), p))
	}

	resourceNames := make(map[string]bool)
	for i, r := range doc.Resources {
		res := b.resource(fmt.Sprintf("resources[%d]", i), r)
		if res.Name != "" && resourceNames[res.Name] {
			b.fail(fmt.Sprintf("resources[%d].name", i), "duplicate resource %q", res.Name)
		}
		resourceNames[res.Name] = true
		seq.Resources = append(seq.Resources, res)
	}

	ids := make(map[string]bool)
	for i, c := range doc.Commands {
		loc := fmt.Sprintf("commands[%d]", i)
		cmd := b.command(loc, c)
		if cmd.ID != "" && ids[cmd.ID] {
			b.fail(loc+".id", "duplicate command id %q", cmd.ID)
		}
		ids[cmd.ID] = true
		seq.Commands = append(seq.Commands, cmd)
	}
	return seq
}

func (b *builder) event(loc string, e eventDoc) types.Event {
	if strings.TrimSpace(e.Name) == "" {
		b.fail(loc+".name", "required")
	}
	typ := types.EventType(strings.ToLower(e.Type))
	if typ == "" {
		typ = types.EventInfo
	}
	if !typ.Valid() {
		b.fail(loc+".type", "unknown event type %q", e.Type)
	}
	return types.Event{
		Name:     strings.TrimSpace(e.Name),
		Type:     typ,
		Payload:  e.Payload,
		Handlers: e.Handlers,
	}
}

func (b *builder) guard(loc string, g guardDoc) types.Guard {
	if strings.TrimSpace(g.Name) == "" {
		b.fail(loc+".name", "required")
	}
	if strings.TrimSpace(g.Condition) == "" {
		b.fail(loc+".condition", "required")
	}
	sev := types.Severity(strings.ToLower(g.Severity))
	switch sev {
	case "":
		sev = types.SeverityBlocking
	case types.SeverityBlocking, types.SeverityAdvisory:
	default:
		b.fail(loc+".severity", "unknown severity %q", g.Severity)
	}
	msg := g.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("guard %s failed", g.Name)
	}
	return types.Guard{
		Name:         strings.TrimSpace(g.Name),
		Condition:    g.Condition,
		ErrorMessage: msg,
		Severity:     sev,
	}
}

func (b *builder) policy(loc string, p policyDoc) types.Policy {
	if strings.TrimSpace(p.Name) == "" {
		b.fail(loc+".name", "required")
	}
	pol := types.Policy{Name: strings.TrimSpace(p.Name)}
	for i, r := range p.Rules {
		rloc := fmt.Sprintf("%s.rules[%d]", loc, i)
		if strings.TrimSpace(r.Name) == "" {
			b.fail(rloc+".name", "required")
		}
		if strings.TrimSpace(r.Condition) == "" {
			b.fail(rloc+".condition", "required")
		}
		action := types.RuleAction(strings.ToLower(r.Action))
		if !action.Valid() {
			b.fail(rloc+".action", "unknown action %q", r.Action)
		}
		if action == types.ActionEmit && strings.TrimSpace(r.Event) == "" {
			b.fail(rloc+".event", "required for emit")
		}
		pol.Rules = append(pol.Rules, types.Rule{
			Name:      strings.TrimSpace(r.Name),
			Condition: r.Condition,
			Action:    action,
			Priority:  r.Priority,
			Event:     strings.TrimSpace(r.Event),
		})
	}
	return pol
}

func (b *builder) resource(loc string, r resourceDoc) types.Resource {
	if strings.TrimSpace(r.Name) == "" {
		b.fail(loc+".name", "required")
	}
	available := true
	if r.Available != nil {
		available = *r.Available
	}
	return types.Resource{
		Name:         strings.TrimSpace(r.Name),
		Type:         r.Type,
		Available:    available,
		Requirements: r.Requirements,
	}
}

func (b *builder) command(loc string, c commandDoc) types.Command {
	id := strings.TrimSpace(c.ID)
	if id == "" {
		b.fail(loc+".id", "required")
	}

	typ := types.CommandType(strings.ToLower(c.Type))
	if typ == "" {
		typ = types.CommandRegular
	}
	if !typ.Valid() {
		b.fail(loc+".type", "unknown command type %q", c.Type)
	}
	if typ != types.CommandWait && strings.TrimSpace(c.Device) == "" {
		b.fail(loc+".device", "required for %s commands", typ)
	}

	timeout := b.opts.defaultTimeout
	switch {
	case c.Timeout != "" && c.TimeoutMS != nil:
		b.fail(loc+".timeout", "timeout and timeout_ms are mutually exclusive")
	case c.Timeout != "":
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			b.fail(loc+".timeout", "invalid duration %q", c.Timeout)
		}
		timeout = d
	case c.TimeoutMS != nil:
		timeout = time.Duration(*c.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		b.fail(loc+".timeout", "must be positive")
	}

	if c.RetryAttempts < 0 {
		b.fail(loc+".retry_attempts", "must not be negative")
	}

	base, found := tags.Split(id, b.opts.tagSuffixes)
	tagList := mergeTags(found, c.Tags)

	var conds []types.Condition
	for i, cd := range c.Conditions {
		cloc := fmt.Sprintf("%s.conditions[%d]", loc, i)
		ct := types.ConditionType(strings.ToLower(cd.Type))
		if ct == "" {
			ct = types.ConditionExpression
		}
		switch ct {
		case types.ConditionExpression:
			if strings.TrimSpace(cd.Expression) == "" {
				b.fail(cloc+".expression", "required")
			}
		case types.ConditionFlag, types.ConditionDeviceState, types.ConditionCompare:
		default:
			b.fail(cloc+".type", "unknown condition type %q", cd.Type)
		}
		conds = append(conds, types.Condition{Type: ct, Expression: cd.Expression, Parameters: cd.Parameters})
	}

	text := strings.TrimSpace(c.Text)
	if text == "" {
		text = strings.TrimSpace(c.Device + " " + base)
	}

	return types.Command{
		ID:            id,
		Name:          base,
		Tags:          tagList,
		Type:          typ,
		Device:        strings.TrimSpace(c.Device),
		Text:          text,
		Parameters:    c.Parameters,
		Timeout:       timeout,
		RetryAttempts: c.RetryAttempts,
		Conditions:    conds,
	}
}

// mergeTags keeps suffix tags first, then explicit ones, without duplicates.
func mergeTags(found, explicit []string) []string {
	if len(found) == 0 && len(explicit) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{found, explicit} {
		for _, t := range list {
			t = tags.Normalize(t)
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
