package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/oomol/oocana/manifest"
)

// Evaluator evaluates condition cases using CEL (Common Expression Language).
// Each operator compiles to one tiny CEL program over `left` and `right`
// variables; programs are compiled once and cached.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate walks the block's cases in declaration order and returns the
// handle of the first matching case, falling back to the default handle.
// The second return is false when nothing matched and no default exists.
func (e *Evaluator) Evaluate(block *manifest.ConditionBlock, inputs map[manifest.HandleName]any) (manifest.HandleName, bool, error) {
	for _, c := range block.Cases {
		match, err := e.caseMatches(c, inputs)
		if err != nil {
			return "", false, err
		}
		if match {
			return c.Handle, true, nil
		}
	}
	if block.Default != nil {
		return block.Default.Handle, true, nil
	}
	return "", false, nil
}

func (e *Evaluator) caseMatches(c *manifest.ConditionCase, inputs map[manifest.HandleName]any) (bool, error) {
	if len(c.Expressions) == 0 {
		return false, nil
	}
	logical := c.Logical
	if logical == "" {
		logical = manifest.LogicalAnd
	}
	for _, expr := range c.Expressions {
		match, err := e.expressionMatches(expr, inputs)
		if err != nil {
			return false, err
		}
		switch logical {
		case manifest.LogicalOr:
			if match {
				return true, nil
			}
		default:
			if !match {
				return false, nil
			}
		}
	}
	return logical != manifest.LogicalOr, nil
}

func (e *Evaluator) expressionMatches(expr *manifest.ConditionExpression, inputs map[manifest.HandleName]any) (bool, error) {
	left, present := inputs[expr.InputHandle]

	// null checks look at presence, not value shape
	switch expr.Operator {
	case manifest.OpNull:
		return !present || left == nil, nil
	case manifest.OpNotNull:
		return present && left != nil, nil
	}
	if !present {
		return false, nil
	}

	src, ok := operatorSource(expr.Operator)
	if !ok {
		return false, fmt.Errorf("unsupported condition operator: %q", expr.Operator)
	}

	prg, err := e.program(src)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"left":  normalize(left),
		"right": normalize(expr.Value),
	})
	if err != nil {
		// Type mismatches (e.g. ordering a string against a number) read
		// as a non-match, not a flow failure.
		return false, nil
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition expression %q did not return boolean, got %T", src, out.Value())
	}
	return result, nil
}

// operatorSource maps a manifest operator onto its CEL source
func operatorSource(op manifest.ExpressionOperator) (string, bool) {
	switch op {
	case manifest.OpEqual:
		return "left == right", true
	case manifest.OpNotEqual:
		return "left != right", true
	case manifest.OpGreaterThan:
		return "left > right", true
	case manifest.OpLessThan:
		return "left < right", true
	case manifest.OpGreaterThanOrEqual:
		return "left >= right", true
	case manifest.OpLessThanOrEqual:
		return "left <= right", true
	case manifest.OpTrue:
		return "left == true", true
	case manifest.OpFalse:
		return "left == false", true
	case manifest.OpContains:
		return "right in left || (type(left) == string && left.contains(string(right)))", true
	case manifest.OpNotContains:
		return "!(right in left || (type(left) == string && left.contains(string(right))))", true
	case manifest.OpIsEmpty:
		return "size(left) == 0", true
	case manifest.OpIsNotEmpty:
		return "size(left) != 0", true
	case manifest.OpIn:
		return "left in right", true
	case manifest.OpNotIn:
		return "!(left in right)", true
	case manifest.OpHasKey:
		return "string(right) in left", true
	case manifest.OpStartsWith:
		return "string(left).startsWith(string(right))", true
	case manifest.OpEndsWith:
		return "string(left).endsWith(string(right))", true
	}
	return "", false
}

func (e *Evaluator) program(src string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[src]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("left", cel.DynType),
		cel.Variable("right", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[src] = prg
	e.mu.Unlock()
	return prg, nil
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// normalize converts JSON-decoded numbers so CEL compares them uniformly
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, item := range n {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}
