package expr

import (
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// Evaluator parses and evaluates expressions against a nested-mapping
// scope. Parsed trees are cached and reused across goroutines.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]Node
}

// NewEvaluator creates an Evaluator with an empty parse cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]Node)}
}

// Parse returns the parsed tree for an expression, from cache when possible.
// Parse failures carry ErrCodeExpression and are never absorbed into null.
func (e *Evaluator) Parse(expression string) (Node, error) {
	e.mu.RLock()
	if node, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return node, nil
	}
	e.mu.RUnlock()

	node, err := parse(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	// Double-check after acquiring write lock.
	if cached, ok := e.cache[expression]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.cache[expression] = node
	e.mu.Unlock()
	return node, nil
}

// Evaluate parses and evaluates an expression against the given scope.
func (e *Evaluator) Evaluate(expression string, scope map[string]any) (any, error) {
	node, err := e.Parse(expression)
	if err != nil {
		return nil, err
	}
	return evalNode(node, scope)
}

// EvaluateBool evaluates an expression and reports its JS truthiness.
func (e *Evaluator) EvaluateBool(expression string, scope map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, scope)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

func evalNode(node Node, scope map[string]any) (any, error) {
	switch n := node.(type) {
	case *Literal:
		return n.Value, nil

	case *Identifier:
		if scope == nil {
			return nil, nil
		}
		// Missing identifiers resolve to null, not an error.
		return scope[n.Name], nil

	case *Unary:
		return evalUnary(n, scope)

	case *Binary:
		return evalBinary(n, scope)

	case *Ternary:
		cond, err := evalNode(n.Cond, scope)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return evalNode(n.Then, scope)
		}
		return evalNode(n.Else, scope)

	case *Property:
		obj, err := evalNode(n.Object, scope)
		if err != nil {
			return nil, err
		}
		return propertyOf(obj, n.Name), nil

	case *Index:
		obj, err := evalNode(n.Object, scope)
		if err != nil {
			return nil, err
		}
		key, err := evalNode(n.Key, scope)
		if err != nil {
			return nil, err
		}
		return indexOf(obj, key), nil

	case *Call:
		return evalCall(n, scope)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unsupported expression node %T", node)
	}
}

func evalUnary(n *Unary, scope map[string]any) (any, error) {
	operand, err := evalNode(n.Operand, scope)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "!":
		return !Truthy(operand), nil
	case "-":
		return -ToNumber(operand), nil
	case "+":
		return ToNumber(operand), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown unary operator %q", n.Op)
}

func evalBinary(n *Binary, scope map[string]any) (any, error) {
	// Logical operators short-circuit and return operand values.
	if n.Op == "&&" || n.Op == "||" {
		left, err := evalNode(n.Left, scope)
		if err != nil {
			return nil, err
		}
		if n.Op == "&&" {
			if !Truthy(left) {
				return left, nil
			}
		} else if Truthy(left) {
			return left, nil
		}
		return evalNode(n.Right, scope)
	}

	left, err := evalNode(n.Left, scope)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(n.Right, scope)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "==":
		return LooseEquals(left, right), nil
	case "!=":
		return !LooseEquals(left, right), nil
	case "<", "<=", ">", ">=":
		return compare(n.Op, left, right), nil
	case "+":
		// String concatenation wins over addition when either side is a string.
		if ls, ok := left.(string); ok {
			return ls + ToString(right), nil
		}
		if rs, ok := right.(string); ok {
			return ToString(left) + rs, nil
		}
		return ToNumber(left) + ToNumber(right), nil
	case "-":
		return ToNumber(left) - ToNumber(right), nil
	case "*":
		return ToNumber(left) * ToNumber(right), nil
	case "/":
		return divide(ToNumber(left), ToNumber(right)), nil
	case "%":
		return modulo(ToNumber(left), ToNumber(right)), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown operator %q", n.Op)
}

// divide follows JS: x/0 is signed Infinity, 0/0 is NaN.
func divide(a, b float64) float64 {
	if b == 0 {
		if a == 0 || math.IsNaN(a) {
			return math.NaN()
		}
		if math.Signbit(a) != math.Signbit(b) {
			return math.Inf(-1)
		}
		return math.Inf(1)
	}
	return a / b
}

// modulo follows JS remainder semantics (result takes the dividend's sign).
func modulo(a, b float64) float64 {
	if b == 0 || math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) {
		return math.NaN()
	}
	return math.Mod(a, b)
}

func compare(op string, left, right any) bool {
	// Two strings compare lexicographically, anything else numerically.
	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			switch op {
			case "<":
				return ls < rs
			case "<=":
				return ls <= rs
			case ">":
				return ls > rs
			case ">=":
				return ls >= rs
			}
		}
	}
	ln, rn := ToNumber(left), ToNumber(right)
	if math.IsNaN(ln) || math.IsNaN(rn) {
		return false
	}
	switch op {
	case "<":
		return ln < rn
	case "<=":
		return ln <= rn
	case ">":
		return ln > rn
	case ">=":
		return ln >= rn
	}
	return false
}

// propertyOf resolves obj.name. Missing members yield null. The synthetic
// "length" property is recognized on arrays and strings.
func propertyOf(obj any, name string) any {
	switch v := obj.(type) {
	case map[string]any:
		return v[name]
	case []any:
		if name == "length" {
			return float64(len(v))
		}
		return nil
	case string:
		if name == "length" {
			return float64(len([]rune(v)))
		}
		return nil
	default:
		return nil
	}
}

func indexOf(obj, key any) any {
	switch v := obj.(type) {
	case []any:
		idx := ToNumber(key)
		if math.IsNaN(idx) || idx != math.Trunc(idx) {
			return nil
		}
		i := int(idx)
		if i < 0 || i >= len(v) {
			return nil
		}
		return v[i]
	case map[string]any:
		return v[ToString(key)]
	case string:
		idx := ToNumber(key)
		runes := []rune(v)
		if math.IsNaN(idx) || idx != math.Trunc(idx) {
			return nil
		}
		i := int(idx)
		if i < 0 || i >= len(runes) {
			return nil
		}
		return string(runes[i])
	default:
		return nil
	}
}

// evalCall dispatches the supported method calls. Methods are looked up on
// the receiver expression, e.g. items.includes(x).
func evalCall(n *Call, scope map[string]any) (any, error) {
	prop, ok := n.Callee.(*Property)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeExpression,
			"only method calls of the form value.method(...) are supported")
	}

	recv, err := evalNode(prop.Object, scope)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(n.Args))
	for i, argNode := range n.Args {
		arg, err := evalNode(argNode, scope)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}

	switch prop.Name {
	case "includes":
		if len(args) != 1 {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"includes expects 1 argument, got %d", len(args))
		}
		return includes(recv, args[0]), nil
	case "startsWith", "endsWith":
		if len(args) != 1 {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"%s expects 1 argument, got %d", prop.Name, len(args))
		}
		s, ok := recv.(string)
		if !ok {
			return false, nil
		}
		arg := ToString(args[0])
		if prop.Name == "startsWith" {
			return len(s) >= len(arg) && s[:len(arg)] == arg, nil
		}
		return len(s) >= len(arg) && s[len(s)-len(arg):] == arg, nil
	case "join":
		arr, ok := recv.([]any)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeExpression, "join requires an array receiver")
		}
		sep := ","
		if len(args) > 0 {
			sep = ToString(args[0])
		}
		parts := make([]string, len(arr))
		for i, item := range arr {
			parts[i] = ToString(item)
		}
		return strings.Join(parts, sep), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown method %q", prop.Name)
	}
}

// includes mirrors Array.prototype.includes / String.prototype.includes.
func includes(recv, needle any) bool {
	switch v := recv.(type) {
	case []any:
		for _, item := range v {
			if strictLikeEquals(item, needle) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(v, ToString(needle))
	default:
		return false
	}
}

// strictLikeEquals matches includes() semantics: same-type equality, with
// numeric values compared across int/float representations.
func strictLikeEquals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok || bok {
		return aok && bok && numEquals(an, bn)
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return reflect.DeepEqual(a, b)
	}
}
