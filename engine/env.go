package engine

import (
	"strconv"
	"strings"

	"github.com/songzhibin97/sequence-engine/flags"
	"github.com/songzhibin97/sequence-engine/types"
)

const (
	varsPrefix = "vars."
	lastPrefix = "last."
)

// runEnv is the rules.Env of one run. Variables live in two namespaces:
// vars.* seeded from the definition and start options, and last.* describing
// the most recently finished command.
type runEnv struct {
	flags   flags.Provider
	devices DeviceInfo
	vars    map[string]float64
	last    map[string]float64
}

func newRunEnv(seq *types.Sequence, overrides map[string]float64, fp flags.Provider, devices DeviceInfo) *runEnv {
	env := &runEnv{
		flags:   fp,
		devices: devices,
		vars:    make(map[string]float64, len(seq.Vars)+len(overrides)),
		last:    make(map[string]float64),
	}
	for k, v := range seq.Vars {
		env.vars[k] = v
	}
	for k, v := range overrides {
		env.vars[strings.TrimPrefix(k, varsPrefix)] = v
	}
	return env
}

func (e *runEnv) Flag(name string) bool {
	if e.flags == nil {
		return false
	}
	return e.flags.GetFlag(name)
}

func (e *runEnv) DeviceState(device string) (string, bool) {
	if e.devices == nil {
		return "", false
	}
	return e.devices.DeviceState(device)
}

func (e *runEnv) Var(name string) (float64, bool) {
	if strings.HasPrefix(name, lastPrefix) {
		v, ok := e.last[strings.TrimPrefix(name, lastPrefix)]
		return v, ok
	}
	v, ok := e.vars[strings.TrimPrefix(name, varsPrefix)]
	return v, ok
}

// Vars returns a copy of the vars namespace.
func (e *runEnv) Vars() map[string]float64 {
	out := make(map[string]float64, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// setLast replaces the last.* namespace with the facts of outcome and any
// name=number readings found in the device reply.
func (e *runEnv) setLast(outcome types.CommandOutcome) {
	last := map[string]float64{
		"attempts":          float64(outcome.Attempts),
		"retries_remaining": float64(outcome.RetriesRemaining),
		"elapsed_ms":        float64(outcome.Elapsed.Milliseconds()),
		"failed_zones":      float64(len(outcome.FailedZones)),
		"success":           0,
	}
	if outcome.Status == types.CommandCompleted {
		last["success"] = 1
	}
	for k, v := range Readings(outcome.Response) {
		if _, reserved := last[k]; !reserved {
			last[k] = v
		}
	}
	e.last = last
}

// Readings extracts name=number pairs from a device reply, for example
// "weight=12.5" in "scale read complete weight=12.5".
func Readings(reply string) map[string]float64 {
	out := make(map[string]float64)
	for _, field := range strings.Fields(reply) {
		name, value, ok := strings.Cut(field, "=")
		if !ok || name == "" {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimRight(value, ",;"), 64)
		if err != nil {
			continue
		}
		out[strings.ToLower(name)] = n
	}
	return out
}
