package types

import (
	"fmt"
	"time"
)

// CommandType enumerates the kinds of device operations a sequence can hold.
type CommandType string

const (
	CommandRegular   CommandType = "regular"
	CommandWait      CommandType = "wait"
	CommandMultizone CommandType = "multizone"
)

// Valid reports whether t is one of the known command types.
func (t CommandType) Valid() bool {
	switch t {
	case CommandRegular, CommandWait, CommandMultizone:
		return true
	}
	return false
}

// Severity tells whether a failing guard blocks the run.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// EventType classifies lifecycle notifications.
type EventType string

const (
	EventInfo    EventType = "info"
	EventSuccess EventType = "success"
	EventWarning EventType = "warning"
	EventError   EventType = "error"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventInfo, EventSuccess, EventWarning, EventError:
		return true
	}
	return false
}

// ConditionType selects how a Condition is turned into a predicate.
type ConditionType string

const (
	ConditionExpression  ConditionType = "expression"
	ConditionFlag        ConditionType = "flag"
	ConditionDeviceState ConditionType = "device_state"
	ConditionCompare     ConditionType = "compare"
)

// RuleAction is what a matching policy rule does.
type RuleAction string

const (
	ActionStopSequence RuleAction = "stop_sequence"
	ActionWarn         RuleAction = "warn"
	ActionEmit         RuleAction = "emit"
)

// Valid reports whether a is a known rule action.
func (a RuleAction) Valid() bool {
	switch a {
	case ActionStopSequence, ActionWarn, ActionEmit:
		return true
	}
	return false
}

// Sequence defines a named, versioned procedure.
type Sequence struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Version     string     `json:"version,omitempty"`
	Commands    []Command  `json:"commands"`
	Events      []Event    `json:"events,omitempty"`
	Guards      []Guard    `json:"guards,omitempty"`
	Policies    []Policy   `json:"policies,omitempty"`
	Resources   []Resource `json:"resources,omitempty"`
	// Vars seeds the numeric variables predicates read as vars.<name>.
	Vars map[string]float64 `json:"vars,omitempty"`
}

// Event returns the declared event with the given name.
func (s *Sequence) Event(name string) (Event, bool) {
	for _, ev := range s.Events {
		if ev.Name == name {
			return ev, true
		}
	}
	return Event{}, false
}

// ResourceNames lists the names of the resources the sequence claims.
func (s *Sequence) ResourceNames() []string {
	names := make([]string, 0, len(s.Resources))
	for _, r := range s.Resources {
		names = append(names, r.Name)
	}
	return names
}

// Command represents one device operation.
type Command struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"` // ID without tag suffix
	Tags          []string               `json:"tags,omitempty"`
	Type          CommandType            `json:"type"`
	Device        string                 `json:"device"`
	Text          string                 `json:"text"` // line sent to the device
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Timeout       time.Duration          `json:"timeout"`
	RetryAttempts int                    `json:"retry_attempts"`
	Conditions    []Condition            `json:"conditions,omitempty"`
	Zone          int                    `json:"zone,omitempty"` // set on per-zone copies
}

// Clone returns a copy that shares no mutable state with c.
func (c Command) Clone() Command {
	out := c
	if c.Parameters != nil {
		out.Parameters = make(map[string]interface{}, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.Conditions != nil {
		out.Conditions = append([]Condition(nil), c.Conditions...)
	}
	return out
}

// WaitDuration returns the pause of a wait command. The duration parameter is
// either a Go duration string or a number of seconds.
func (c Command) WaitDuration() (time.Duration, error) {
	v, ok := c.Parameters["duration"]
	if !ok {
		return 0, fmt.Errorf("missing duration parameter")
	}
	var d time.Duration
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", x, err)
		}
		d = parsed
	case int:
		d = time.Duration(x) * time.Second
	case int64:
		d = time.Duration(x) * time.Second
	case float64:
		d = time.Duration(x * float64(time.Second))
	case time.Duration:
		d = x
	default:
		return 0, fmt.Errorf("duration must be a string or a number, got %T", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}
	return d, nil
}

// Condition is a command-local predicate.
type Condition struct {
	Type       ConditionType          `json:"type"`
	Expression string                 `json:"expression,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Event is a lifecycle notification declared by a sequence.
type Event struct {
	Name     string                 `json:"name"`
	Type     EventType              `json:"type"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Handlers []string               `json:"handlers,omitempty"`
}

// Guard is a pre-execution gate.
type Guard struct {
	Name         string   `json:"name"`
	Condition    string   `json:"condition"`
	ErrorMessage string   `json:"error_message"`
	Severity     Severity `json:"severity"`
}

// Blocking reports whether a false guard stops the run.
func (g Guard) Blocking() bool {
	return g.Severity != SeverityAdvisory
}

// Policy is an ordered rule set evaluated after every command.
type Policy struct {
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

// Rule is one policy clause. Lower priority runs first.
type Rule struct {
	Name      string     `json:"name"`
	Condition string     `json:"condition"`
	Action    RuleAction `json:"action"`
	Priority  int        `json:"priority"`
	Event     string     `json:"event,omitempty"` // for ActionEmit
}

// Resource is an exclusively claimable precondition.
type Resource struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Available    bool              `json:"available"`
	Requirements map[string]string `json:"requirements,omitempty"` // device -> required state
}

// Response is what the command executor reports for one dispatch.
type Response struct {
	Success bool          `json:"success"`
	Text    string        `json:"text"`
	Elapsed time.Duration `json:"elapsed"`
}

// State is a run's position in the executor state machine.
type State string

const (
	StateIdle                State = "idle"
	StateGuardChecking       State = "guard_checking"
	StateRunning             State = "running"
	StateSuspended           State = "suspended"
	StateCompleted           State = "completed"
	StateGuardFailed         State = "guard_failed"
	StatePolicyViolated      State = "policy_violated"
	StateResourceUnavailable State = "resource_unavailable"
	StateCommandFailed       State = "command_failed"
	StateCancelled           State = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateGuardFailed, StatePolicyViolated,
		StateResourceUnavailable, StateCommandFailed, StateCancelled:
		return true
	}
	return false
}

// CommandStatus is the per-command outcome recorded in a result.
type CommandStatus string

const (
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandSkipped   CommandStatus = "skipped"
	CommandCancelled CommandStatus = "cancelled"
)

// CommandOutcome records how one command went.
type CommandOutcome struct {
	ID               string        `json:"id" yaml:"id"`
	Status           CommandStatus `json:"status" yaml:"status"`
	Attempts         int           `json:"attempts" yaml:"attempts"`
	RetriesRemaining int           `json:"retries_remaining" yaml:"retries_remaining"`
	Response         string        `json:"response,omitempty" yaml:"response,omitempty"`
	Elapsed          time.Duration `json:"elapsed" yaml:"elapsed"`
	FailedZones      []int         `json:"failed_zones,omitempty" yaml:"failed_zones,omitempty"`
	Error            string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// ExecutionResult is the immutable outcome of one run.
type ExecutionResult struct {
	RunID       uint64           `json:"run_id" yaml:"run_id"`
	Sequence    string           `json:"sequence" yaml:"sequence"`
	Success     bool             `json:"success" yaml:"success"`
	State       State            `json:"state" yaml:"state"`
	Message     string           `json:"message" yaml:"message"`
	Outcomes    []CommandOutcome `json:"outcomes" yaml:"outcomes"`
	FailedZones []int            `json:"failed_zones,omitempty" yaml:"failed_zones,omitempty"`
	Errors      []string         `json:"errors,omitempty" yaml:"errors,omitempty"`
	StartedAt   time.Time        `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time        `json:"finished_at" yaml:"finished_at"`
	Elapsed     time.Duration    `json:"elapsed" yaml:"elapsed"`
}

// ValidationResult is the verdict of the validator.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []error  `json:"-"`
	Warnings []string `json:"warnings,omitempty"`
}

// Messages renders the validation errors as strings.
func (r ValidationResult) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		out = append(out, err.Error())
	}
	return out
}
