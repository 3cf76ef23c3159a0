package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled marks a run that was deliberately stopped. It is a terminal
// state, not a failure.
var ErrCancelled = errors.New("sequence cancelled")

// ParseError reports a malformed definition.
type ParseError struct {
	Location string
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("parse error: %s", e.Reason)
	}
	return fmt.Sprintf("parse error at %s: %s", e.Location, e.Reason)
}

// TypeError reports a command, condition or rule whose shape does not fit its type.
type TypeError struct {
	Location string
	Reason   string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("type error at %s: %s", e.Location, e.Reason)
}

// PolicyError reports an inconsistent policy.
type PolicyError struct {
	Policy string
	Rule   string
	Reason string
}

func (e *PolicyError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("policy %q: %s", e.Policy, e.Reason)
	}
	return fmt.Sprintf("policy %q rule %q: %s", e.Policy, e.Rule, e.Reason)
}

// ResourceError reports a resource that is missing, unavailable or claimed.
type ResourceError struct {
	Resource string
	Reason   string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource %q unavailable: %s", e.Resource, e.Reason)
}

// ValidationError bundles the errors that made a sequence invalid.
type ValidationError struct {
	Sequence string
	Errors   []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("sequence %q is invalid: %s", e.Sequence, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// GuardFailure reports a blocking guard that evaluated false.
type GuardFailure struct {
	Guard   string
	Message string
}

func (e *GuardFailure) Error() string {
	return fmt.Sprintf("guard %q failed: %s", e.Guard, e.Message)
}

// CommandFailure reports a command that exhausted its retries or got a device error.
type CommandFailure struct {
	CommandID string
	Response  string
	Timeout   bool
	Reason    string
}

func (e *CommandFailure) Error() string {
	if e.Response != "" {
		return fmt.Sprintf("command %q failed: %s (last response %q)", e.CommandID, e.Reason, e.Response)
	}
	return fmt.Sprintf("command %q failed: %s", e.CommandID, e.Reason)
}

// PolicyViolation reports a stop_sequence rule that matched mid-run.
type PolicyViolation struct {
	Policy string
	Rule   string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy %q violated by rule %q", e.Policy, e.Rule)
}

// ConnectivityError is returned when the device link is down at start.
type ConnectivityError struct {
	Reason string
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("device link unavailable: %s", e.Reason)
}
