package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/songzhibin97/sequence-engine/types"
)

// FromCondition converts a command condition into a predicate.
func FromCondition(c types.Condition) (Predicate, error) {
	switch c.Type {
	case types.ConditionExpression, "":
		return Compile(c.Expression)
	case types.ConditionFlag:
		name := c.Expression
		if n, ok := c.Parameters["name"].(string); ok && n != "" {
			name = n
		}
		if name == "" {
			return Predicate{}, fmt.Errorf("flag condition without a flag name")
		}
		want := true
		if v, ok := c.Parameters["value"]; ok {
			b, ok := v.(bool)
			if !ok {
				return Predicate{}, fmt.Errorf("flag condition value must be a boolean, got %T", v)
			}
			want = b
		}
		return Flag(name, want), nil
	case types.ConditionDeviceState:
		device, _ := c.Parameters["device"].(string)
		state, _ := c.Parameters["state"].(string)
		if device == "" || state == "" {
			return Predicate{}, fmt.Errorf("device_state condition needs string parameters device and state")
		}
		op := OpEq
		if o, ok := c.Parameters["op"].(string); ok && o != "" {
			op = o
		}
		p := DeviceIs(device, op, state)
		return p, p.Check()
	case types.ConditionCompare:
		variable, _ := c.Parameters["variable"].(string)
		op, _ := c.Parameters["op"].(string)
		if variable == "" || op == "" {
			return Predicate{}, fmt.Errorf("compare condition needs string parameters variable and op")
		}
		n, err := toFloat(c.Parameters["value"])
		if err != nil {
			return Predicate{}, fmt.Errorf("compare condition: %w", err)
		}
		p := Compare(variable, op, n)
		return p, p.Check()
	}
	return Predicate{}, fmt.Errorf("unknown condition type %q", c.Type)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case nil:
		return 0, fmt.Errorf("missing numeric value")
	}
	return 0, fmt.Errorf("value must be a number, got %T", v)
}

// SortedRules returns the policy's rules ordered by priority. Rules with equal
// priority keep their declaration order.
func SortedRules(policy types.Policy) []types.Rule {
	out := append([]types.Rule(nil), policy.Rules...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// FirstMatch evaluates the policy's rules in priority order and returns the
// first whose condition holds, or nil. A rule reading a variable that is not
// set yet does not match.
func FirstMatch(e Evaluator, policy types.Policy, env Env) (*types.Rule, error) {
	for _, rule := range SortedRules(policy) {
		ok, err := e.Evaluate(rule.Condition, env)
		if errors.Is(err, ErrUnknownVariable) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("policy %q rule %q: %w", policy.Name, rule.Name, err)
		}
		if ok {
			r := rule
			return &r, nil
		}
	}
	return nil, nil
}
