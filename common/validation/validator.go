package validation

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/trellishq/trellis/common/models"
)

// Thresholds for the performance advisories
const (
	maxAdvisedNodes  = 100
	maxAdvisedDepth  = 20
	maxAdvisedFanOut = 10
	maxAdvisedFanIn  = 5
)

// errorHandlingKeys are config keys that count as error handling being
// configured somewhere in the graph
var errorHandlingKeys = []string{"on_error", "error_handling", "retry_policy"}

// ValidationResult reports the outcome of validating a definition. Any entry
// in Errors makes the definition non-valid; warnings and infos never block.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Infos    []string `json:"infos"`
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addInfo(format string, args ...any) {
	r.Infos = append(r.Infos, fmt.Sprintf(format, args...))
}

// Validator certifies that a workflow definition is a legal, acyclic,
// structurally coherent DAG with well-formed nodes. Validation is pure:
// the same definition always produces the same result in the same order.
type Validator struct {
	registry *TypeRegistry
	cron     cron.Parser
}

// NewValidator creates a validator backed by the given type registry
func NewValidator(registry *TypeRegistry) *Validator {
	return &Validator{
		registry: registry,
		cron:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Validate runs the full rule set over a definition
func (v *Validator) Validate(def *models.Definition) *ValidationResult {
	result := &ValidationResult{}

	// 1. Structural checks
	if def == nil || len(def.Nodes) == 0 {
		result.addError("definition must contain at least one node")
		result.Valid = false
		return result
	}

	// 2. Per-node checks
	ids := v.checkNodes(def, result)

	// 3. Per-edge checks
	v.checkEdges(def, ids, result)

	// 4. Acyclicity; a cycle short-circuits the flow checks
	if v.hasCycle(def, ids) {
		result.addError("cycle detected")
		result.Valid = false
		return result
	}

	// 5. Flow health
	v.checkFlow(def, ids, result)

	// 6. Performance advisories
	v.checkAdvisories(def, ids, result)

	result.Valid = len(result.Errors) == 0
	return result
}

// checkNodes validates each node and returns the set of declared ids
func (v *Validator) checkNodes(def *models.Definition, result *ValidationResult) map[string]bool {
	ids := make(map[string]bool, len(def.Nodes))

	for i, node := range def.Nodes {
		if node.ID == "" {
			result.addError("node at index %d has no id", i)
			continue
		}
		if ids[node.ID] {
			result.addError("duplicate node id '%s'", node.ID)
			continue
		}
		ids[node.ID] = true

		if node.Type == "" {
			result.addError("node '%s' has no type", node.ID)
			continue
		}

		if !v.registry.IsKnown(node.Type) {
			// Unknown types are tolerated: dispatch resolution is pluggable
			result.addWarning("unknown node type '%s'", node.Type)
			continue
		}

		for _, key := range v.registry.MissingKeys(node.Type, node.Config) {
			if strings.Contains(key, "|") {
				result.addError("node '%s' (%s) missing required config key '%s'",
					node.ID, node.Type, strings.ReplaceAll(key, "|", "' or '"))
			} else {
				result.addError("node '%s' (%s) missing required config key '%s'", node.ID, node.Type, key)
			}
		}

		if node.Type == TypeScheduleTrigger {
			v.checkCron(&node, result)
		}
	}

	return ids
}

// checkCron warns on cron expressions the scheduler will not be able to parse
func (v *Validator) checkCron(node *models.Node, result *ValidationResult) {
	expr := ""
	if raw, ok := node.Config["cron"].(string); ok {
		expr = raw
	} else if raw, ok := node.Config["cron_expression"].(string); ok {
		expr = raw
	}
	if expr == "" {
		return
	}
	if _, err := v.cron.Parse(expr); err != nil {
		result.addWarning("node '%s' has an unparseable cron expression %q: %v", node.ID, expr, err)
	}
}

// checkEdges validates edge endpoints and conditions
func (v *Validator) checkEdges(def *models.Definition, ids map[string]bool, result *ValidationResult) {
	for i, edge := range def.Edges {
		if edge.From == "" || edge.To == "" {
			result.addError("edge at index %d missing from/to", i)
			continue
		}
		if !ids[edge.From] {
			result.addError("edge references unknown node '%s'", edge.From)
		}
		if !ids[edge.To] {
			result.addError("edge references unknown node '%s'", edge.To)
		}
		if edge.From == edge.To {
			result.addError("self-loop on node '%s'", edge.From)
		}
		if edge.Condition != nil && strings.TrimSpace(*edge.Condition) == "" {
			result.addWarning("edge %s->%s has an empty condition, treated as unconditional", edge.From, edge.To)
		}
	}
}

// hasCycle runs a depth-first traversal with a recursion stack
func (v *Validator) hasCycle(def *models.Definition, ids map[string]bool) bool {
	adjacency := make(map[string][]string, len(def.Nodes))
	for _, edge := range def.Edges {
		if edge.From == edge.To || !ids[edge.From] || !ids[edge.To] {
			continue
		}
		adjacency[edge.From] = append(adjacency[edge.From], edge.To)
	}

	visited := make(map[string]bool, len(def.Nodes))
	recStack := make(map[string]bool, len(def.Nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		recStack[id] = true

		for _, next := range adjacency[id] {
			if !visited[next] {
				if visit(next) {
					return true
				}
			} else if recStack[next] {
				return true
			}
		}

		recStack[id] = false
		return false
	}

	for _, node := range def.Nodes {
		if node.ID == "" || !ids[node.ID] {
			continue
		}
		if !visited[node.ID] {
			if visit(node.ID) {
				return true
			}
		}
	}

	return false
}

// checkFlow validates start/end structure and isolation
func (v *Validator) checkFlow(def *models.Definition, ids map[string]bool, result *ValidationResult) {
	incoming := make(map[string]int, len(def.Nodes))
	outgoing := make(map[string]int, len(def.Nodes))
	for _, edge := range def.Edges {
		if !ids[edge.From] || !ids[edge.To] || edge.From == edge.To {
			continue
		}
		outgoing[edge.From]++
		incoming[edge.To]++
	}

	var startCount, endCount int
	for _, node := range def.Nodes {
		if !ids[node.ID] {
			continue
		}
		if incoming[node.ID] == 0 {
			startCount++
		}
		if outgoing[node.ID] == 0 {
			endCount++
		}
		if len(def.Nodes) > 1 && incoming[node.ID] == 0 && outgoing[node.ID] == 0 {
			result.addError("node '%s' is isolated", node.ID)
		}
		if node.IsTrigger() && incoming[node.ID] > 0 {
			result.addWarning("trigger node '%s' is not a start node", node.ID)
		}
	}

	if startCount == 0 {
		result.addError("workflow has no start node")
	} else if startCount > 1 {
		result.addWarning("workflow has %d start nodes", startCount)
	}
	if endCount == 0 {
		result.addWarning("workflow has no end node")
	}
}

// checkAdvisories emits non-blocking performance findings
func (v *Validator) checkAdvisories(def *models.Definition, ids map[string]bool, result *ValidationResult) {
	if len(def.Nodes) > maxAdvisedNodes {
		result.addWarning("workflow has %d nodes; consider splitting above %d", len(def.Nodes), maxAdvisedNodes)
	}

	adjacency := make(map[string][]string, len(def.Nodes))
	incoming := make(map[string]int, len(def.Nodes))
	for _, edge := range def.Edges {
		if !ids[edge.From] || !ids[edge.To] || edge.From == edge.To {
			continue
		}
		adjacency[edge.From] = append(adjacency[edge.From], edge.To)
		incoming[edge.To]++
	}

	if depth := v.maxDepth(def, adjacency, ids); depth > maxAdvisedDepth {
		result.addWarning("workflow depth is %d; deep chains above %d slow scheduling", depth, maxAdvisedDepth)
	}

	for _, node := range def.Nodes {
		if !ids[node.ID] {
			continue
		}
		if fanOut := len(adjacency[node.ID]); fanOut > maxAdvisedFanOut {
			result.addWarning("node '%s' fans out to %d nodes", node.ID, fanOut)
		}
		if fanIn := incoming[node.ID]; fanIn > maxAdvisedFanIn {
			result.addInfo("node '%s' has %d incoming edges", node.ID, fanIn)
		}
	}

	if !hasErrorHandling(def) {
		result.addInfo("no error handling configured anywhere in the workflow")
	}
}

// maxDepth computes the longest node path; safe because acyclicity has
// already been established
func (v *Validator) maxDepth(def *models.Definition, adjacency map[string][]string, ids map[string]bool) int {
	memo := make(map[string]int, len(def.Nodes))

	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		best := 0
		for _, next := range adjacency[id] {
			if d := depth(next); d > best {
				best = d
			}
		}
		memo[id] = best + 1
		return best + 1
	}

	max := 0
	for _, node := range def.Nodes {
		if !ids[node.ID] {
			continue
		}
		if d := depth(node.ID); d > max {
			max = d
		}
	}
	return max
}

func hasErrorHandling(def *models.Definition) bool {
	for _, node := range def.Nodes {
		for _, key := range errorHandlingKeys {
			if _, ok := node.Config[key]; ok {
				return true
			}
		}
	}
	return false
}
