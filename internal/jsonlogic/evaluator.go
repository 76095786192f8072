// Package jsonlogic evaluates JSONLogic condition trees against a rule
// execution context.
//
// Equality is stricter than stock JSONLogic: values of different JSON types
// never compare equal (true != 1, 1 != "1", null != false). Numeric values
// compare numerically regardless of Go integer/float representation. This is
// the only intentional deviation from the JSONLogic reference semantics.
package jsonlogic

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConditionMalformed reports a structurally invalid expression.
	ErrConditionMalformed = errors.New("condition malformed")
	// ErrOperatorUnknown reports an operator outside the supported set.
	ErrOperatorUnknown = errors.New("unknown operator")
)

// Expr is a compiled JSONLogic expression ready for repeated evaluation.
type Expr struct {
	root node
}

type node interface {
	eval(data map[string]any) (any, error)
}

type literalNode struct{ value any }

type varNode struct {
	path string
	def  node
}

type opNode struct {
	op   string
	args []node
}

// operators supported at compile time. Table lookup keeps compilation and
// dispatch data-driven rather than eval-style.
var supportedOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"and": true, "or": true, "!": true, "!!": true, "in": true,
	"missing": true, "missing_some": true, "if": true,
	"+": true, "-": true, "*": true, "/": true, "min": true, "max": true,
	"always_true": true, "always_false": true,
	"has_any": true, "has_all": true,
}

// Compile builds an operator tree from a decoded JSONLogic document.
// Unknown operators and malformed shapes are rejected here so hot rules pay
// the cost once, at load.
func Compile(raw any) (*Expr, error) {
	n, err := compileNode(raw)
	if err != nil {
		return nil, err
	}
	return &Expr{root: n}, nil
}

func compileNode(raw any) (node, error) {
	switch v := raw.(type) {
	case map[string]any:
		if len(v) != 1 {
			return nil, fmt.Errorf("%w: expected single-operator object, got %d keys", ErrConditionMalformed, len(v))
		}
		for op, args := range v {
			if op == "var" {
				return compileVar(args)
			}
			if !supportedOps[op] {
				return nil, fmt.Errorf("%w: %q", ErrOperatorUnknown, op)
			}
			argNodes, err := compileArgs(args)
			if err != nil {
				return nil, err
			}
			return &opNode{op: op, args: argNodes}, nil
		}
		return nil, ErrConditionMalformed
	case []any:
		nodes := make([]node, 0, len(v))
		for _, item := range v {
			n, err := compileNode(item)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		}
		return &opNode{op: "$array", args: nodes}, nil
	default:
		return literalNode{value: v}, nil
	}
}

func compileVar(args any) (node, error) {
	switch a := args.(type) {
	case string:
		return &varNode{path: a}, nil
	case []any:
		if len(a) == 0 {
			return nil, fmt.Errorf("%w: var requires a path", ErrConditionMalformed)
		}
		path, ok := a[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: var path must be a string", ErrConditionMalformed)
		}
		v := &varNode{path: path}
		if len(a) > 1 {
			def, err := compileNode(a[1])
			if err != nil {
				return nil, err
			}
			v.def = def
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: var argument must be string or array", ErrConditionMalformed)
	}
}

func compileArgs(args any) ([]node, error) {
	list, ok := args.([]any)
	if !ok {
		// JSONLogic permits a bare argument in place of a one-element array.
		n, err := compileNode(args)
		if err != nil {
			return nil, err
		}
		return []node{n}, nil
	}
	nodes := make([]node, 0, len(list))
	for _, item := range list {
		n, err := compileNode(item)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Matches evaluates the expression and reports whether the result is truthy.
func (e *Expr) Matches(data map[string]any) (bool, error) {
	v, err := e.root.eval(data)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Evaluate returns the raw expression value. Used by tests and the update
// action, which evaluates value expressions against the context.
func (e *Expr) Evaluate(data map[string]any) (any, error) {
	return e.root.eval(data)
}

func (n literalNode) eval(map[string]any) (any, error) { return n.value, nil }

func (n *varNode) eval(data map[string]any) (any, error) {
	if v, ok := ResolvePath(data, n.path); ok {
		return v, nil
	}
	if n.def != nil {
		return n.def.eval(data)
	}
	return nil, nil
}

// ResolvePath walks a dotted path through nested maps. Missing intermediate
// keys yield (nil, false), never an error.
func ResolvePath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return data, true
	}
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (n *opNode) eval(data map[string]any) (any, error) {
	switch n.op {
	case "$array":
		out := make([]any, 0, len(n.args))
		for _, a := range n.args {
			v, err := a.eval(data)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case "and":
		var last any = true
		for _, a := range n.args {
			v, err := a.eval(data)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return v, nil
			}
			last = v
		}
		return last, nil

	case "or":
		var last any = false
		for _, a := range n.args {
			v, err := a.eval(data)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return v, nil
			}
			last = v
		}
		return last, nil

	case "if":
		return n.evalIf(data)

	case "always_true":
		return true, nil
	case "always_false":
		return false, nil
	}

	args, err := n.evalArgs(data)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		if err := wantArgs(n.op, args, 2); err != nil {
			return nil, err
		}
		return strictEqual(args[0], args[1]), nil
	case "!=":
		if err := wantArgs(n.op, args, 2); err != nil {
			return nil, err
		}
		return !strictEqual(args[0], args[1]), nil
	case "<", "<=", ">", ">=":
		return compareChain(n.op, args)
	case "!":
		if err := wantArgs(n.op, args, 1); err != nil {
			return nil, err
		}
		return !truthy(args[0]), nil
	case "!!":
		if err := wantArgs(n.op, args, 1); err != nil {
			return nil, err
		}
		return truthy(args[0]), nil
	case "in":
		if err := wantArgs(n.op, args, 2); err != nil {
			return nil, err
		}
		return contains(args[1], args[0]), nil
	case "missing":
		return missingKeys(data, args), nil
	case "missing_some":
		return evalMissingSome(data, args)
	case "+", "-", "*", "/", "min", "max":
		return arithmetic(n.op, args)
	case "has_any":
		if err := wantArgs(n.op, args, 2); err != nil {
			return nil, err
		}
		return hasMembers(args[0], args[1], false)
	case "has_all":
		if err := wantArgs(n.op, args, 2); err != nil {
			return nil, err
		}
		return hasMembers(args[0], args[1], true)
	}
	return nil, fmt.Errorf("%w: %q", ErrOperatorUnknown, n.op)
}

func (n *opNode) evalIf(data map[string]any) (any, error) {
	args := n.args
	for len(args) >= 2 {
		cond, err := args[0].eval(data)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return args[1].eval(data)
		}
		args = args[2:]
	}
	if len(args) == 1 {
		return args[0].eval(data)
	}
	return nil, nil
}

func (n *opNode) evalArgs(data map[string]any) ([]any, error) {
	out := make([]any, 0, len(n.args))
	for _, a := range n.args {
		v, err := a.eval(data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func wantArgs(op string, args []any, want int) error {
	if len(args) != want {
		return fmt.Errorf("%w: %q expects %d arguments, got %d", ErrConditionMalformed, op, want, len(args))
	}
	return nil
}

// strictEqual compares two JSON values without cross-type coercion. Numeric
// values are normalized to float64 first, so 2 and 2.0 are equal, but a
// number never equals a string or a boolean, and nil never equals false.
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aIsNum := toNumber(a)
	bf, bIsNum := toNumber(b)
	if aIsNum || bIsNum {
		return aIsNum && bIsNum && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !strictEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func compareChain(op string, args []any) (any, error) {
	if len(args) != 2 && len(args) != 3 {
		return nil, fmt.Errorf("%w: %q expects 2 or 3 arguments", ErrConditionMalformed, op)
	}
	for i := 0; i+1 < len(args); i++ {
		ok, err := compare(op, args[i], args[i+1])
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compare(op string, a, b any) (bool, error) {
	if af, ok := toNumber(a); ok {
		bf, ok := toNumber(b)
		if !ok {
			return false, nil
		}
		switch op {
		case "<":
			return af < bf, nil
		case "<=":
			return af <= bf, nil
		case ">":
			return af > bf, nil
		case ">=":
			return af >= bf, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	return false, nil
}

func arithmetic(op string, args []any) (any, error) {
	nums := make([]float64, 0, len(args))
	for _, a := range args {
		f, ok := toNumber(a)
		if !ok {
			return nil, fmt.Errorf("%w: %q expects numeric arguments", ErrConditionMalformed, op)
		}
		nums = append(nums, f)
	}
	if len(nums) == 0 {
		return nil, fmt.Errorf("%w: %q expects at least one argument", ErrConditionMalformed, op)
	}
	switch op {
	case "+":
		sum := 0.0
		for _, f := range nums {
			sum += f
		}
		return sum, nil
	case "-":
		if len(nums) == 1 {
			return -nums[0], nil
		}
		return nums[0] - nums[1], nil
	case "*":
		prod := 1.0
		for _, f := range nums {
			prod *= f
		}
		return prod, nil
	case "/":
		if len(nums) != 2 {
			return nil, fmt.Errorf("%w: %q expects 2 arguments", ErrConditionMalformed, op)
		}
		if nums[1] == 0 {
			return nil, nil
		}
		return nums[0] / nums[1], nil
	case "min":
		m := nums[0]
		for _, f := range nums[1:] {
			if f < m {
				m = f
			}
		}
		return m, nil
	case "max":
		m := nums[0]
		for _, f := range nums[1:] {
			if f > m {
				m = f
			}
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrOperatorUnknown, op)
}

func missingKeys(data map[string]any, args []any) []any {
	// missing accepts either a list of paths or an already-flattened array.
	paths := args
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			paths = list
		}
	}
	missing := make([]any, 0)
	for _, p := range paths {
		path, ok := p.(string)
		if !ok {
			continue
		}
		if v, ok := ResolvePath(data, path); !ok || v == nil {
			missing = append(missing, path)
		}
	}
	return missing
}

func evalMissingSome(data map[string]any, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: missing_some expects [min, keys]", ErrConditionMalformed)
	}
	minRequired, ok := toNumber(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: missing_some minimum must be numeric", ErrConditionMalformed)
	}
	keys, ok := args[1].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing_some keys must be an array", ErrConditionMalformed)
	}
	missing := missingKeys(data, keys)
	if float64(len(keys)-len(missing)) >= minRequired {
		return []any{}, nil
	}
	return missing, nil
}

// hasMembers checks whether the haystack carries any (or all) of the listed
// values. Haystacks may be arrays, maps (key membership) or scalars.
func hasMembers(haystack, needles any, all bool) (bool, error) {
	list, ok := needles.([]any)
	if !ok {
		list = []any{needles}
	}
	for _, needle := range list {
		found := contains(haystack, needle)
		if all && !found {
			return false, nil
		}
		if !all && found {
			return true, nil
		}
	}
	return all, nil
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if strictEqual(item, needle) {
				return true
			}
		}
	case map[string]any:
		if key, ok := needle.(string); ok {
			_, present := h[key]
			return present
		}
	case string:
		if s, ok := needle.(string); ok {
			return strings.Contains(h, s)
		}
	default:
		return strictEqual(haystack, needle)
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		if f, ok := toNumber(v); ok {
			return f != 0
		}
		return true
	}
}
