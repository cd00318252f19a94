package executors

import (
	"context"
	"fmt"

	"github.com/trellishq/trellis/common/expression"
	"github.com/trellishq/trellis/common/models"
)

// LoopExecutor resolves items_source to a list and evaluates iteration_body
// once per item. The body sees the item as `item` and its position as
// `index` alongside the regular scope.
type LoopExecutor struct {
	evaluator *expression.Evaluator
}

// NewLoopExecutor creates a loop executor
func NewLoopExecutor(evaluator *expression.Evaluator) *LoopExecutor {
	return &LoopExecutor{evaluator: evaluator}
}

// Execute iterates the body expression over the resolved items
func (e *LoopExecutor) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	source, err := configString(config, "items_source")
	if err != nil {
		return nil, err
	}
	body, err := configString(config, "iteration_body")
	if err != nil {
		return nil, err
	}

	env := scope(input)
	resolved, err := e.evaluator.Eval(source, env)
	if err != nil {
		return nil, models.NewPermanent("items_source evaluation failed", err)
	}

	items, ok := resolved.([]any)
	if !ok {
		return nil, models.NewPermanent(
			fmt.Sprintf("items_source must resolve to a list, got %T", resolved), nil)
	}

	results := make([]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, models.NewCancelled("loop interrupted")
		}

		env["item"] = item
		env["index"] = i
		result, err := e.evaluator.Eval(body, env)
		if err != nil {
			return nil, models.NewPermanent(fmt.Sprintf("iteration %d failed", i), err)
		}
		results = append(results, result)
	}

	return map[string]any{
		"items": results,
		"count": len(results),
	}, nil
}
