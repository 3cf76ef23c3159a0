// Package tags implements suffix-tag dispatch for command identifiers.
//
// A command id such as "pump_on_wanted" carries the tag "wanted" on top of the
// base command "pump_on". Tags add cross-cutting behaviour: before the base
// command is dispatched, the handler registered for each tag decides whether
// to continue or to halt and ask an operator for a decision.
package tags

import (
	"context"
	"strings"
	"sync"
)

// Delimiter separates a base command from its tag suffix.
const Delimiter = "_"

// Action is what a tag handler asks the executor to do.
type Action int

const (
	Continue Action = iota
	Halt
)

func (a Action) String() string {
	if a == Halt {
		return "halt"
	}
	return "continue"
}

// Decision is the outcome of evaluating one tag.
type Decision struct {
	Action    Action
	DialogKey string // identifies the resolution the operator is asked for
	Message   string
}

// ContinueDecision lets the base command proceed.
var ContinueDecision = Decision{Action: Continue}

// FlagReader is the read side of the process-wide flag collaborator.
type FlagReader interface {
	GetFlag(name string) bool
}

// Context is what a handler may inspect.
type Context struct {
	Sequence  string
	CommandID string
	Base      string
	Flags     FlagReader
}

// Handler evaluates one tag.
type Handler interface {
	Evaluate(ctx context.Context, tc Context) Decision
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, tc Context) Decision

// Evaluate implements the Handler interface.
func (f HandlerFunc) Evaluate(ctx context.Context, tc Context) Decision {
	return f(ctx, tc)
}

// Dispatcher maps tag names to handlers.
type Dispatcher struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewDispatcher creates a dispatcher with the built-in handlers registered.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler)}
	d.Register(WantedTag, WantedHandler{})
	return d
}

// Register installs or replaces the handler for tag.
func (d *Dispatcher) Register(tag string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[Normalize(tag)] = h
}

// Unregister removes the handler for tag. It returns false if none was registered.
func (d *Dispatcher) Unregister(tag string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	tag = Normalize(tag)
	if _, ok := d.handlers[tag]; !ok {
		return false
	}
	delete(d.handlers, tag)
	return true
}

// Registered reports whether a handler exists for tag.
func (d *Dispatcher) Registered(tag string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[Normalize(tag)]
	return ok
}

// Names lists the registered tags.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

// Dispatch evaluates the handler registered for tag. Unknown tags continue.
func (d *Dispatcher) Dispatch(ctx context.Context, tag string, tc Context) Decision {
	d.mu.RLock()
	h, ok := d.handlers[Normalize(tag)]
	d.mu.RUnlock()
	if !ok {
		return ContinueDecision
	}
	return h.Evaluate(ctx, tc)
}

// DispatchAll evaluates tags in order and returns the first halting decision.
func (d *Dispatcher) DispatchAll(ctx context.Context, tags []string, tc Context) (string, Decision) {
	for _, tag := range tags {
		if dec := d.Dispatch(ctx, tag, tc); dec.Action == Halt {
			return tag, dec
		}
	}
	return "", ContinueDecision
}

// Split strips known tag suffixes from id. Suffixes are peeled from the right
// as long as they name a tag in known; the base keeps everything else.
func Split(id string, known []string) (base string, found []string) {
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[Normalize(k)] = true
	}
	base = id
	for {
		i := strings.LastIndex(base, Delimiter)
		if i <= 0 || i == len(base)-1 {
			break
		}
		suffix := Normalize(base[i+1:])
		if !set[suffix] {
			break
		}
		found = append([]string{suffix}, found...)
		base = base[:i]
	}
	return base, found
}

// Normalize lowercases a tag and drops a leading delimiter.
func Normalize(tag string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), Delimiter))
}
