package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnknownVariable indicates a comparison against a variable the environment does not expose.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrUnknownDevice indicates a device-state lookup for a device the environment does not know.
	ErrUnknownDevice = errors.New("unknown device")
)

// Env is the read-only state predicates are evaluated against.
type Env interface {
	Flag(name string) bool
	DeviceState(device string) (string, bool)
	Var(name string) (float64, bool)
}

// Kind tags the variant held by a Predicate.
type Kind int

const (
	KindConst Kind = iota
	KindFlag
	KindDeviceState
	KindCompare
	KindAll
	KindAny
	KindNot
)

func (k Kind) String() string {
	switch k {
	case KindConst:
		return "const"
	case KindFlag:
		return "flag"
	case KindDeviceState:
		return "device_state"
	case KindCompare:
		return "compare"
	case KindAll:
		return "all"
	case KindAny:
		return "any"
	case KindNot:
		return "not"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Comparison operators accepted by KindCompare and KindDeviceState.
const (
	OpEq = "=="
	OpNe = "!="
	OpLt = "<"
	OpLe = "<="
	OpGt = ">"
	OpGe = ">="
)

// Predicate is one of a closed set of typed boolean tests.
//
//	KindConst:       Value
//	KindFlag:        Name (flag), Value (expected flag value)
//	KindDeviceState: Name (device), Op (== or !=), State
//	KindCompare:     Name (variable), Op, Number or Ref (second variable)
//	KindAll/KindAny: Operands
//	KindNot:         Operands[0]
type Predicate struct {
	Kind     Kind
	Name     string
	Op       string
	State    string
	Number   float64
	Ref      string
	Value    bool
	Operands []Predicate
}

// Const returns a predicate that always yields v.
func Const(v bool) Predicate { return Predicate{Kind: KindConst, Value: v} }

// Flag returns a predicate true when flag name equals want.
func Flag(name string, want bool) Predicate {
	return Predicate{Kind: KindFlag, Name: name, Value: want}
}

// DeviceIs returns a predicate comparing a device's state.
func DeviceIs(device, op, state string) Predicate {
	return Predicate{Kind: KindDeviceState, Name: device, Op: op, State: state}
}

// Compare returns a numeric comparison predicate.
func Compare(variable, op string, n float64) Predicate {
	return Predicate{Kind: KindCompare, Name: variable, Op: op, Number: n}
}

// CompareVars returns a comparison between two variables.
func CompareVars(variable, op, ref string) Predicate {
	return Predicate{Kind: KindCompare, Name: variable, Op: op, Ref: ref}
}

// All is the conjunction of ps.
func All(ps ...Predicate) Predicate { return Predicate{Kind: KindAll, Operands: ps} }

// Any is the disjunction of ps.
func Any(ps ...Predicate) Predicate { return Predicate{Kind: KindAny, Operands: ps} }

// Not negates p.
func Not(p Predicate) Predicate { return Predicate{Kind: KindNot, Operands: []Predicate{p}} }

// Check verifies the predicate is well formed. Compile only produces well formed
// predicates; Check guards hand-built ones.
func (p Predicate) Check() error {
	switch p.Kind {
	case KindConst:
		return nil
	case KindFlag:
		if p.Name == "" {
			return errors.New("flag predicate without a flag name")
		}
		return nil
	case KindDeviceState:
		if p.Name == "" {
			return errors.New("device predicate without a device name")
		}
		if p.Op != OpEq && p.Op != OpNe {
			return fmt.Errorf("device state supports == and != only, got %q", p.Op)
		}
		return nil
	case KindCompare:
		if p.Name == "" {
			return errors.New("comparison without a variable")
		}
		if !validOp(p.Op) {
			return fmt.Errorf("unsupported comparison operator %q", p.Op)
		}
		return nil
	case KindAll, KindAny:
		if len(p.Operands) == 0 {
			return fmt.Errorf("%s predicate without operands", p.Kind)
		}
		for _, op := range p.Operands {
			if err := op.Check(); err != nil {
				return err
			}
		}
		return nil
	case KindNot:
		if len(p.Operands) != 1 {
			return errors.New("not predicate needs exactly one operand")
		}
		return p.Operands[0].Check()
	}
	return fmt.Errorf("unknown predicate kind %d", int(p.Kind))
}

// Eval evaluates the predicate against env.
func (p Predicate) Eval(env Env) (bool, error) {
	switch p.Kind {
	case KindConst:
		return p.Value, nil
	case KindFlag:
		return env.Flag(p.Name) == p.Value, nil
	case KindDeviceState:
		state, ok := env.DeviceState(p.Name)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownDevice, p.Name)
		}
		if p.Op == OpNe {
			return state != p.State, nil
		}
		return state == p.State, nil
	case KindCompare:
		v, ok := env.Var(p.Name)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownVariable, p.Name)
		}
		n := p.Number
		if p.Ref != "" {
			if n, ok = env.Var(p.Ref); !ok {
				return false, fmt.Errorf("%w: %s", ErrUnknownVariable, p.Ref)
			}
		}
		return compareNumbers(v, p.Op, n)
	case KindAll:
		// A false operand decides the result even when another one errs.
		var firstErr error
		for _, op := range p.Operands {
			ok, err := op.Eval(env)
			switch {
			case err != nil:
				if firstErr == nil {
					firstErr = err
				}
			case !ok:
				return false, nil
			}
		}
		return firstErr == nil, firstErr
	case KindAny:
		// A true operand decides the result even when another one errs.
		var firstErr error
		for _, op := range p.Operands {
			ok, err := op.Eval(env)
			switch {
			case err != nil:
				if firstErr == nil {
					firstErr = err
				}
			case ok:
				return true, nil
			}
		}
		return false, firstErr
	case KindNot:
		if len(p.Operands) != 1 {
			return false, errors.New("not predicate needs exactly one operand")
		}
		ok, err := p.Operands[0].Eval(env)
		return !ok && err == nil, err
	}
	return false, fmt.Errorf("unknown predicate kind %d", int(p.Kind))
}

func (p Predicate) String() string {
	switch p.Kind {
	case KindConst:
		return strconv.FormatBool(p.Value)
	case KindFlag:
		if p.Value {
			return "flags." + p.Name
		}
		return "!flags." + p.Name
	case KindDeviceState:
		return fmt.Sprintf("device.%s %s %q", p.Name, p.Op, p.State)
	case KindCompare:
		if p.Ref != "" {
			return fmt.Sprintf("%s %s %s", p.Name, p.Op, p.Ref)
		}
		return fmt.Sprintf("%s %s %s", p.Name, p.Op, strconv.FormatFloat(p.Number, 'g', -1, 64))
	case KindAll, KindAny:
		sep := " && "
		if p.Kind == KindAny {
			sep = " || "
		}
		parts := make([]string, 0, len(p.Operands))
		for _, op := range p.Operands {
			parts = append(parts, op.String())
		}
		return "(" + strings.Join(parts, sep) + ")"
	case KindNot:
		if len(p.Operands) == 1 {
			return "!" + p.Operands[0].String()
		}
	}
	return "<invalid>"
}

func validOp(op string) bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

func compareNumbers(a float64, op string, b float64) (bool, error) {
	switch op {
	case OpEq:
		return a == b, nil
	case OpNe:
		return a != b, nil
	case OpLt:
		return a < b, nil
	case OpLe:
		return a <= b, nil
	case OpGt:
		return a > b, nil
	case OpGe:
		return a >= b, nil
	}
	return false, fmt.Errorf("unsupported comparison operator %q", op)
}

// MapEnv is an Env backed by plain maps.
type MapEnv struct {
	Flags   map[string]bool
	Devices map[string]string
	Vars    map[string]float64
}

func (m MapEnv) Flag(name string) bool { return m.Flags[name] }

func (m MapEnv) DeviceState(device string) (string, bool) {
	s, ok := m.Devices[device]
	return s, ok
}

func (m MapEnv) Var(name string) (float64, bool) {
	v, ok := m.Vars[name]
	return v, ok
}
