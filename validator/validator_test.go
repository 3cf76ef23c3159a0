package validator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/sequence-engine/rules"
	"github.com/songzhibin97/sequence-engine/types"
)

type mockDevices map[string]string

func (m mockDevices) DeviceState(device string) (string, bool) {
	s, ok := m[device]
	return s, ok
}

type mockCommands struct{ reject string }

func (m mockCommands) Validate(text string) bool { return !strings.Contains(text, m.reject) }

func validSequence() *types.Sequence {
	return &types.Sequence{
		Name:   "prime",
		Events: []types.Event{{Name: "pressure_high", Type: types.EventWarning}},
		Guards: []types.Guard{
			{Name: "door", Condition: "flags.door_closed", Severity: types.SeverityBlocking},
		},
		Policies: []types.Policy{{
			Name: "safety",
			Rules: []types.Rule{
				{Name: "stop", Condition: "vars.pressure > 5", Action: types.ActionStopSequence, Priority: 1},
				{Name: "note", Condition: "vars.pressure > 3", Action: types.ActionEmit, Event: "pressure_high", Priority: 2},
			},
		}},
		Resources: []types.Resource{
			{Name: "pump_a", Type: "pump", Available: true, Requirements: map[string]string{"pump": "idle"}},
		},
		Commands: []types.Command{
			{ID: "fill", Type: types.CommandRegular, Device: "pump", Text: "pump fill", Timeout: time.Second,
				Parameters: map[string]interface{}{"volume": int64(100)}},
			{ID: "settle", Type: types.CommandWait, Timeout: time.Second,
				Parameters: map[string]interface{}{"duration": "10ms"}},
			{ID: "flush", Type: types.CommandMultizone, Device: "valve", Text: "valve flush", Timeout: time.Second,
				Parameters: map[string]interface{}{"zones": "1,3"},
				Conditions: []types.Condition{{Type: types.ConditionExpression, Expression: "!skip_flush"}}},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	v := New(WithDeviceStates(mockDevices{"pump": "idle"}), WithCommandValidator(mockCommands{reject: "\n"}))
	res := v.Validate(validSequence())
	assert.True(t, res.Valid, "errors: %v", res.Messages())
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestValidate_TypeErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.Sequence)
		want   string
	}{
		{"no commands", func(s *types.Sequence) { s.Commands = nil }, "no commands"},
		{"non scalar parameter", func(s *types.Sequence) {
			s.Commands[0].Parameters["volume"] = []interface{}{1, 2}
		}, "must be a scalar"},
		{"zones on regular", func(s *types.Sequence) {
			s.Commands[0].Parameters["zones"] = "1"
		}, "requires a multizone"},
		{"wait without duration", func(s *types.Sequence) {
			s.Commands[1].Parameters = nil
		}, "missing duration"},
		{"wait with zero duration", func(s *types.Sequence) {
			s.Commands[1].Parameters["duration"] = int64(0)
		}, "must be positive"},
		{"zone out of range", func(s *types.Sequence) {
			s.Commands[2].Parameters["zones"] = "1,5"
		}, "out of range"},
		{"multizone without zones", func(s *types.Sequence) {
			delete(s.Commands[2].Parameters, "zones")
		}, "zones parameter"},
		{"bad condition", func(s *types.Sequence) {
			s.Commands[2].Conditions[0].Expression = "vars.x + 1"
		}, "condition 0"},
		{"bad guard", func(s *types.Sequence) {
			s.Guards[0].Condition = "device.pump"
		}, `guard "door"`},
		{"bad rule", func(s *types.Sequence) {
			s.Policies[0].Rules[0].Condition = "&&"
		}, `rule "stop"`},
		{"unknown action", func(s *types.Sequence) {
			s.Policies[0].Rules[0].Action = "explode"
		}, "unknown action"},
		{"emit undeclared", func(s *types.Sequence) {
			s.Policies[0].Rules[1].Event = "nope"
		}, "undeclared event"},
		{"duplicate ids", func(s *types.Sequence) {
			s.Commands[1].ID = "fill"
		}, "duplicate command id"},
		{"zero timeout", func(s *types.Sequence) {
			s.Commands[0].Timeout = 0
		}, "timeout must be positive"},
		{"executor rejects text", func(s *types.Sequence) {
			s.Commands[0].Text = "pump\nfill"
		}, "rejected by executor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := validSequence()
			tt.mutate(seq)
			v := New(WithDeviceStates(mockDevices{"pump": "idle"}), WithCommandValidator(mockCommands{reject: "\n"}))
			res := v.Validate(seq)
			require.False(t, res.Valid)
			require.NotEmpty(t, res.Errors)

			var te *types.TypeError
			assert.True(t, errors.As(res.Errors[0], &te), "want TypeError, got %T", res.Errors[0])
			assert.Contains(t, strings.Join(res.Messages(), "\n"), tt.want)
		})
	}
}

func TestValidate_TypePhaseShortCircuits(t *testing.T) {
	seq := validSequence()
	seq.Commands[0].Timeout = 0
	seq.Resources[0].Available = false

	res := New().Validate(seq)
	require.False(t, res.Valid)
	for _, err := range res.Errors {
		var re *types.ResourceError
		assert.False(t, errors.As(err, &re), "resource phase must not run after type errors")
	}
}

func TestValidate_PolicyPhase(t *testing.T) {
	seq := validSequence()
	seq.Policies[0].Rules[1].Priority = 1
	seq.Policies = append(seq.Policies, types.Policy{Name: "empty"})

	res := New(WithDeviceStates(mockDevices{"pump": "idle"})).Validate(seq)
	assert.True(t, res.Valid, "priority ties are warnings only")
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], `"stop" wins by declaration order`)
	assert.Contains(t, res.Warnings[1], "no rules")

	seq.Policies[0].Rules[1].Name = "stop"
	res = New(WithDeviceStates(mockDevices{"pump": "idle"})).Validate(seq)
	require.False(t, res.Valid)
	var pe *types.PolicyError
	assert.True(t, errors.As(res.Errors[0], &pe))
}

func TestValidate_ResourcePhase(t *testing.T) {
	tests := []struct {
		name    string
		devices DeviceStates
		mutate  func(*types.Sequence)
		reason  string
	}{
		{"unavailable", mockDevices{"pump": "idle"}, func(s *types.Sequence) { s.Resources[0].Available = false }, "marked unavailable"},
		{"wrong state", mockDevices{"pump": "running"}, nil, `is "running", requires "idle"`},
		{"unknown device", mockDevices{}, nil, `device "pump" unknown`},
		{"no provider", nil, nil, "no device state provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := validSequence()
			if tt.mutate != nil {
				tt.mutate(seq)
			}
			var opts []Option
			if tt.devices != nil {
				opts = append(opts, WithDeviceStates(tt.devices))
			}
			res := New(opts...).Validate(seq)
			require.False(t, res.Valid)

			var re *types.ResourceError
			require.True(t, errors.As(res.Errors[0], &re))
			assert.Equal(t, "pump_a", re.Resource)
			assert.Contains(t, re.Reason, tt.reason)
		})
	}
}

func TestValidate_Deterministic(t *testing.T) {
	seq := validSequence()
	seq.Resources[0].Requirements = map[string]string{"pump": "idle", "valve": "closed", "scale": "tared", "rotor": "home"}
	seq.Policies[0].Rules[1].Priority = 1
	v := New(WithDeviceStates(mockDevices{"pump": "busy"}))

	first := v.Validate(seq)
	second := v.Validate(seq)
	assert.Equal(t, first.Valid, second.Valid)
	assert.Equal(t, first.Messages(), second.Messages())
	assert.Equal(t, first.Warnings, second.Warnings)
	require.Len(t, first.Errors, 4)
	assert.Contains(t, first.Errors[0].Error(), `"pump"`)
	assert.Contains(t, first.Errors[1].Error(), `"rotor"`)
}

func TestCheck(t *testing.T) {
	v := New(WithEvaluator(rules.NewExprEvaluator()), WithDeviceStates(mockDevices{"pump": "idle"}))

	_, err := v.Check(validSequence())
	assert.NoError(t, err)

	seq := validSequence()
	seq.Commands = nil
	_, err = v.Check(seq)
	var ve *types.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "prime", ve.Sequence)

	var te *types.TypeError
	assert.True(t, errors.As(err, &te), "ValidationError unwraps to its causes")

	_, err = v.Check(nil)
	assert.Error(t, err)
}
