package mapping

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Mapper evaluates mapping rules using CEL (Common Expression Language).
// Rule values that are strings are treated as CEL expressions over the node
// input envelope; everything else is copied through as a literal.
type Mapper struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewMapper creates a new mapper with a shared compilation cache
func NewMapper() (*Mapper, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("trigger", cel.DynType),
		cel.Variable("nodes", cel.DynType),
		cel.Variable("workflow", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Mapper{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Apply evaluates a rule set against the given variables and returns the
// mapped object. Dotted target keys produce nested maps.
func (m *Mapper) Apply(rules map[string]any, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(rules))
	for target, rule := range rules {
		value, err := m.applyRule(rule, vars)
		if err != nil {
			return nil, fmt.Errorf("mapping rule %q: %w", target, err)
		}
		setPath(out, target, value)
	}
	return out, nil
}

func (m *Mapper) applyRule(rule any, vars map[string]any) (any, error) {
	switch r := rule.(type) {
	case string:
		return m.Eval(r, vars)
	case map[string]any:
		nested := make(map[string]any, len(r))
		for k, v := range r {
			value, err := m.applyRule(v, vars)
			if err != nil {
				return nil, err
			}
			nested[k] = value
		}
		return nested, nil
	default:
		return rule, nil
	}
}

// Eval evaluates a single CEL expression and returns its native value
func (m *Mapper) Eval(expr string, vars map[string]any) (any, error) {
	// Convert JSONPath-style $.field to CEL input.field for compatibility
	// This allows mapping rules to use $.amount instead of input.amount
	normalizedExpr := strings.ReplaceAll(expr, "$.", "input.")

	prg, err := m.program(normalizedExpr)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]any{
		"input":    vars["input"],
		"trigger":  vars["trigger"],
		"nodes":    vars["nodes"],
		"workflow": vars["workflow"],
	})
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error: %w", err)
	}

	return out.Value(), nil
}

// program returns a compiled program, compiling and caching on first use
func (m *Mapper) program(expr string) (cel.Program, error) {
	m.mu.RLock()
	prg, exists := m.cache[expr]
	m.mu.RUnlock()

	if exists {
		return prg, nil
	}

	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := m.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	m.mu.Lock()
	m.cache[expr] = prg
	m.mu.Unlock()

	return prg, nil
}

// ClearCache clears the compiled expression cache
func (m *Mapper) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions
func (m *Mapper) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// setPath writes value at a dotted path, creating intermediate maps
func setPath(out map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := out[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			out[part] = next
		}
		out = next
	}
	out[parts[len(parts)-1]] = value
}
