package parser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/sequence-engine/types"
)

const fullDefinition = `
[sequence]
name = "prime_lines"
description = "fill and flush the four lines"
version = "1.2"

[vars]
max_pressure = 4.5

[[events]]
name = "pressure_high"
type = "warning"
handlers = ["log"]
payload = { limit = 4.5 }

[[guards]]
name = "door"
condition = "flags.door_closed"
error_message = "close the door first"

[[guards]]
name = "cleaned"
condition = "cleaned"
severity = "advisory"

[[policies]]
name = "safety"

  [[policies.rules]]
  name = "overpressure"
  condition = "vars.pressure > vars.max_pressure"
  action = "stop_sequence"
  priority = 1

  [[policies.rules]]
  name = "warn_high"
  condition = "vars.pressure > 3"
  action = "emit"
  event = "pressure_high"
  priority = 2

[[resources]]
name = "pump_a"
type = "pump"
requirements = { pump = "idle" }

[[commands]]
id = "fill_wanted"
device = "pump"
text = "pump fill 100"
timeout = "3s"
retry_attempts = 2

  [commands.parameters]
  volume = 100

[[commands]]
id = "settle"
type = "wait"
parameters = { duration = "500ms" }

[[commands]]
id = "flush"
type = "multizone"
device = "valve"
timeout_ms = 1500
tags = ["Audit"]

  [commands.parameters]
  zones = "1,3"

  [[commands.conditions]]
  expression = "!skip_flush"
`

func TestParse_Full(t *testing.T) {
	seq, err := Parse(fullDefinition)
	require.NoError(t, err)

	assert.Equal(t, "prime_lines", seq.Name)
	assert.Equal(t, "1.2", seq.Version)
	assert.Equal(t, map[string]float64{"max_pressure": 4.5}, seq.Vars)

	require.Len(t, seq.Events, 1)
	assert.Equal(t, types.EventWarning, seq.Events[0].Type)
	assert.Equal(t, []string{"log"}, seq.Events[0].Handlers)

	require.Len(t, seq.Guards, 2)
	assert.Equal(t, types.SeverityBlocking, seq.Guards[0].Severity)
	assert.Equal(t, "close the door first", seq.Guards[0].ErrorMessage)
	assert.Equal(t, types.SeverityAdvisory, seq.Guards[1].Severity)
	assert.NotEmpty(t, seq.Guards[1].ErrorMessage)

	require.Len(t, seq.Policies, 1)
	require.Len(t, seq.Policies[0].Rules, 2)
	assert.Equal(t, types.ActionEmit, seq.Policies[0].Rules[1].Action)
	assert.Equal(t, "pressure_high", seq.Policies[0].Rules[1].Event)

	require.Len(t, seq.Resources, 1)
	assert.True(t, seq.Resources[0].Available)
	assert.Equal(t, map[string]string{"pump": "idle"}, seq.Resources[0].Requirements)

	require.Len(t, seq.Commands, 3)
	fill := seq.Commands[0]
	assert.Equal(t, "fill_wanted", fill.ID)
	assert.Equal(t, "fill", fill.Name)
	assert.Equal(t, []string{"wanted"}, fill.Tags)
	assert.Equal(t, types.CommandRegular, fill.Type)
	assert.Equal(t, 3*time.Second, fill.Timeout)
	assert.Equal(t, 2, fill.RetryAttempts)
	assert.Equal(t, int64(100), fill.Parameters["volume"])

	settle := seq.Commands[1]
	assert.Equal(t, types.CommandWait, settle.Type)
	assert.Equal(t, DefaultTimeout, settle.Timeout)
	d, err := settle.WaitDuration()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d)

	flush := seq.Commands[2]
	assert.Equal(t, types.CommandMultizone, flush.Type)
	assert.Equal(t, 1500*time.Millisecond, flush.Timeout)
	assert.Equal(t, []string{"audit"}, flush.Tags)
	assert.Equal(t, "valve flush", flush.Text)
	require.Len(t, flush.Conditions, 1)
	assert.Equal(t, types.ConditionExpression, flush.Conditions[0].Type)
}

func TestParse_Options(t *testing.T) {
	def := `
[sequence]
name = "s"

[[commands]]
id = "rinse_audit_wanted"
device = "valve"
`
	seq, err := Parse(def, WithDefaultTimeout(2*time.Second), WithTagSuffixes("audit", "wanted"))
	require.NoError(t, err)
	cmd := seq.Commands[0]
	assert.Equal(t, 2*time.Second, cmd.Timeout)
	assert.Equal(t, "rinse", cmd.Name)
	assert.Equal(t, []string{"audit", "wanted"}, cmd.Tags)

	// without the audit suffix registered only wanted is peeled
	seq, err = Parse(def)
	require.NoError(t, err)
	assert.Equal(t, "rinse_audit", seq.Commands[0].Name)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		def      string
		location string
	}{
		{
			name:     "missing sequence name",
			def:      "[sequence]\ndescription = \"x\"\n",
			location: "sequence.name",
		},
		{
			name:     "syntax error carries line",
			def:      "[sequence]\nname = \"s\"\nbroken = = 1\n",
			location: "line 3",
		},
		{
			name:     "unknown key",
			def:      "[sequence]\nname = \"s\"\ncolour = \"red\"\n",
			location: "sequence.colour",
		},
		{
			name:     "duplicate command id",
			def:      "[sequence]\nname = \"s\"\n[[commands]]\nid = \"a\"\ndevice = \"d\"\n[[commands]]\nid = \"a\"\ndevice = \"d\"\n",
			location: "commands[1].id",
		},
		{
			name:     "unknown command type",
			def:      "[sequence]\nname = \"s\"\n[[commands]]\nid = \"a\"\ndevice = \"d\"\ntype = \"jump\"\n",
			location: "commands[0].type",
		},
		{
			name:     "zero timeout",
			def:      "[sequence]\nname = \"s\"\n[[commands]]\nid = \"a\"\ndevice = \"d\"\ntimeout_ms = 0\n",
			location: "commands[0].timeout",
		},
		{
			name:     "bad duration",
			def:      "[sequence]\nname = \"s\"\n[[commands]]\nid = \"a\"\ndevice = \"d\"\ntimeout = \"soon\"\n",
			location: "commands[0].timeout",
		},
		{
			name:     "both timeouts",
			def:      "[sequence]\nname = \"s\"\n[[commands]]\nid = \"a\"\ndevice = \"d\"\ntimeout = \"1s\"\ntimeout_ms = 5\n",
			location: "commands[0].timeout",
		},
		{
			name:     "negative retries",
			def:      "[sequence]\nname = \"s\"\n[[commands]]\nid = \"a\"\ndevice = \"d\"\nretry_attempts = -1\n",
			location: "commands[0].retry_attempts",
		},
		{
			name:     "missing device",
			def:      "[sequence]\nname = \"s\"\n[[commands]]\nid = \"a\"\n",
			location: "commands[0].device",
		},
		{
			name:     "unknown rule action",
			def:      "[sequence]\nname = \"s\"\n[[policies]]\nname = \"p\"\n[[policies.rules]]\nname = \"r\"\ncondition = \"x\"\naction = \"explode\"\n",
			location: "policies[0].rules[0].action",
		},
		{
			name:     "emit without event",
			def:      "[sequence]\nname = \"s\"\n[[policies]]\nname = \"p\"\n[[policies.rules]]\nname = \"r\"\ncondition = \"x\"\naction = \"emit\"\n",
			location: "policies[0].rules[0].event",
		},
		{
			name:     "unknown severity",
			def:      "[sequence]\nname = \"s\"\n[[guards]]\nname = \"g\"\ncondition = \"x\"\nseverity = \"fatal\"\n",
			location: "guards[0].severity",
		},
		{
			name:     "unknown event type",
			def:      "[sequence]\nname = \"s\"\n[[events]]\nname = \"e\"\ntype = \"loud\"\n",
			location: "events[0].type",
		},
		{
			name:     "duplicate event",
			def:      "[sequence]\nname = \"s\"\n[[events]]\nname = \"e\"\n[[events]]\nname = \"e\"\n",
			location: "events[1].name",
		},
		{
			name:     "unknown condition type",
			def:      "[sequence]\nname = \"s\"\n[[commands]]\nid = \"a\"\ndevice = \"d\"\n[[commands.conditions]]\ntype = \"magic\"\n",
			location: "commands[0].conditions[0].type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := Parse(tt.def)
			require.Error(t, err)
			assert.Nil(t, seq, "no partial sequence on error")

			var perr *types.ParseError
			require.True(t, errors.As(err, &perr), "want *types.ParseError, got %T", err)
			assert.Equal(t, tt.location, perr.Location)
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prime.toml")
	require.NoError(t, os.WriteFile(path, []byte(fullDefinition), 0o644))

	seq, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "prime_lines", seq.Name)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
