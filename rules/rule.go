package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env Env) (bool, error)
}

// ExprEvaluator compiles expression text with expr-lang's parser and lowers the
// syntax tree into the closed Predicate set. Anything outside that set is a
// compile error, so unsupported expressions are caught before a run starts.
type ExprEvaluator struct {
	cache map[string]Predicate
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]Predicate),
	}
}

// Compile returns the predicate for expression, compiling it once.
func (e *ExprEvaluator) Compile(expression string) (Predicate, error) {
	e.mu.RLock()
	p, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := Compile(expression)
	if err != nil {
		return Predicate{}, err
	}

	e.mu.Lock()
	e.cache[expression] = p
	e.mu.Unlock()
	return p, nil
}

// Evaluate compiles (or fetches) the expression and evaluates it against env.
func (e *ExprEvaluator) Evaluate(expression string, env Env) (bool, error) {
	p, err := e.Compile(expression)
	if err != nil {
		return false, err
	}
	return p.Eval(env)
}

// Namespaces recognised in member expressions.
const (
	nsFlags  = "flags"
	nsDevice = "device"
	nsVars   = "vars"
	nsLast   = "last"
)

// Compile parses expression into a Predicate.
//
// Supported forms:
//
//	true, false
//	flags.NAME, flag("NAME"), NAME, flag:NAME      flag lookup
//	device.NAME == "state", device("NAME") != "x"  device state
//	vars.NAME < 3.5, last.attempts >= 2            numeric comparison
//	vars.pressure > vars.limit                     variable comparison
//	!x, not x, x && y, x and y, x || y, x or y     composition
func Compile(expression string) (Predicate, error) {
	text := strings.TrimSpace(expression)
	if text == "" {
		return Predicate{}, errors.New("empty expression")
	}
	if name, ok := strings.CutPrefix(text, "flag:"); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return Predicate{}, fmt.Errorf("expression %q: missing flag name", expression)
		}
		return Flag(name, true), nil
	}

	tree, err := parser.Parse(text)
	if err != nil {
		return Predicate{}, fmt.Errorf("expression %q: %w", expression, err)
	}
	p, err := lower(tree.Node)
	if err != nil {
		return Predicate{}, fmt.Errorf("expression %q: %w", expression, err)
	}
	return p, nil
}

func lower(node ast.Node) (Predicate, error) {
	switch n := node.(type) {
	case *ast.BoolNode:
		return Const(n.Value), nil
	case *ast.UnaryNode:
		switch n.Operator {
		case "!", "not":
			inner, err := lower(n.Node)
			if err != nil {
				return Predicate{}, err
			}
			if inner.Kind == KindFlag {
				inner.Value = !inner.Value
				return inner, nil
			}
			return Not(inner), nil
		}
		return Predicate{}, fmt.Errorf("unsupported unary operator %q", n.Operator)
	case *ast.BinaryNode:
		switch n.Operator {
		case "&&", "and":
			return lowerJunction(KindAll, n)
		case "||", "or":
			return lowerJunction(KindAny, n)
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
			return lowerComparison(n.Operator, n.Left, n.Right)
		}
		return Predicate{}, fmt.Errorf("unsupported operator %q", n.Operator)
	case *ast.IdentifierNode, *ast.MemberNode, *ast.CallNode:
		ns, name, err := reference(node)
		if err != nil {
			return Predicate{}, err
		}
		switch ns {
		case nsFlags:
			return Flag(name, true), nil
		case nsVars, nsLast:
			return Compare(ns+"."+name, OpNe, 0), nil
		}
		return Predicate{}, fmt.Errorf("device %q must be compared with a state string", name)
	}
	return Predicate{}, fmt.Errorf("unsupported expression node %T", node)
}

func lowerJunction(kind Kind, n *ast.BinaryNode) (Predicate, error) {
	left, err := lower(n.Left)
	if err != nil {
		return Predicate{}, err
	}
	right, err := lower(n.Right)
	if err != nil {
		return Predicate{}, err
	}
	var ops []Predicate
	for _, p := range []Predicate{left, right} {
		if p.Kind == kind {
			ops = append(ops, p.Operands...)
			continue
		}
		ops = append(ops, p)
	}
	return Predicate{Kind: kind, Operands: ops}, nil
}

func lowerComparison(op string, left, right ast.Node) (Predicate, error) {
	if isLiteral(left) && !isLiteral(right) {
		left, right = right, left
		op = flipOp(op)
	}
	ns, name, err := reference(left)
	if err != nil {
		return Predicate{}, err
	}

	switch ns {
	case nsFlags:
		b, ok := right.(*ast.BoolNode)
		if !ok {
			return Predicate{}, fmt.Errorf("flag %q must be compared with true or false", name)
		}
		switch op {
		case OpEq:
			return Flag(name, b.Value), nil
		case OpNe:
			return Flag(name, !b.Value), nil
		}
		return Predicate{}, fmt.Errorf("flag %q supports == and != only", name)
	case nsDevice:
		s, ok := right.(*ast.StringNode)
		if !ok {
			return Predicate{}, fmt.Errorf("device %q must be compared with a state string", name)
		}
		if op != OpEq && op != OpNe {
			return Predicate{}, fmt.Errorf("device %q supports == and != only", name)
		}
		return DeviceIs(name, op, s.Value), nil
	case nsVars, nsLast:
		if rns, rname, rerr := reference(right); rerr == nil && (rns == nsVars || rns == nsLast) {
			return CompareVars(ns+"."+name, op, rns+"."+rname), nil
		}
		n, err := number(right)
		if err != nil {
			return Predicate{}, fmt.Errorf("%s.%s: %w", ns, name, err)
		}
		return Compare(ns+"."+name, op, n), nil
	}
	return Predicate{}, fmt.Errorf("unsupported namespace %q", ns)
}

// reference resolves an operand naming a flag, device or variable.
func reference(node ast.Node) (ns, name string, err error) {
	switch n := node.(type) {
	case *ast.IdentifierNode:
		switch n.Value {
		case nsFlags, nsDevice, nsVars, nsLast:
			return "", "", fmt.Errorf("namespace %q needs a member", n.Value)
		}
		return nsFlags, n.Value, nil
	case *ast.MemberNode:
		root, ok := n.Node.(*ast.IdentifierNode)
		if !ok {
			return "", "", errors.New("nested member access is not supported")
		}
		prop, ok := n.Property.(*ast.StringNode)
		if !ok {
			return "", "", fmt.Errorf("member of %q must be a constant name", root.Value)
		}
		switch root.Value {
		case nsFlags, "flag":
			return nsFlags, prop.Value, nil
		case nsDevice, "devices":
			return nsDevice, prop.Value, nil
		case nsVars, nsLast:
			return root.Value, prop.Value, nil
		}
		return "", "", fmt.Errorf("unknown namespace %q", root.Value)
	case *ast.CallNode:
		callee, ok := n.Callee.(*ast.IdentifierNode)
		if !ok || len(n.Arguments) != 1 {
			return "", "", errors.New("only flag(\"name\") and device(\"name\") calls are supported")
		}
		arg, ok := n.Arguments[0].(*ast.StringNode)
		if !ok {
			return "", "", fmt.Errorf("%s() takes a string name", callee.Value)
		}
		switch callee.Value {
		case "flag":
			return nsFlags, arg.Value, nil
		case nsDevice:
			return nsDevice, arg.Value, nil
		}
		return "", "", fmt.Errorf("unsupported function %q", callee.Value)
	}
	return "", "", fmt.Errorf("unsupported operand %T", node)
}

func isLiteral(node ast.Node) bool {
	switch n := node.(type) {
	case *ast.BoolNode, *ast.StringNode, *ast.IntegerNode, *ast.FloatNode, *ast.NilNode:
		return true
	case *ast.UnaryNode:
		return n.Operator == "-" && isLiteral(n.Node)
	}
	return false
}

func number(node ast.Node) (float64, error) {
	switch n := node.(type) {
	case *ast.IntegerNode:
		return float64(n.Value), nil
	case *ast.FloatNode:
		return n.Value, nil
	case *ast.UnaryNode:
		if n.Operator == "-" {
			v, err := number(n.Node)
			return -v, err
		}
	}
	return 0, fmt.Errorf("expected a number, got %T", node)
}

func flipOp(op string) string {
	switch op {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	}
	return op
}
