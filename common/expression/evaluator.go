package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates boolean conditions and scalar formulas with a shared
// compilation cache. Undefined identifiers resolve to nil instead of failing
// compilation, so conditions can reference fields that appear at runtime.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new expression evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Eval evaluates an expression against the given environment
func (e *Evaluator) Eval(expression string, env map[string]any) (any, error) {
	program, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return result, nil
}

// EvalBool evaluates a condition expression; a non-boolean result is an error
func (e *Evaluator) EvalBool(expression string, env map[string]any) (bool, error) {
	result, err := e.Eval(expression, env)
	if err != nil {
		return false, err
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition must return boolean, got: %T", result)
	}
	return boolResult, nil
}

// program returns a compiled program, compiling and caching on first use
func (e *Evaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, exists := e.cache[expression]
	e.mu.RUnlock()

	if exists {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()

	return program, nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*vm.Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
