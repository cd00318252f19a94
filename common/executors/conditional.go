package executors

import (
	"context"

	"github.com/trellishq/trellis/common/expression"
	"github.com/trellishq/trellis/common/models"
)

// ConditionalExecutor evaluates the node's conditions expression and reports
// the boolean under result. Routing itself happens on edge conditions: the
// engine prunes outgoing edges whose condition is false against the state
// after this node completes.
type ConditionalExecutor struct {
	evaluator *expression.Evaluator
}

// NewConditionalExecutor creates a conditional executor
func NewConditionalExecutor(evaluator *expression.Evaluator) *ConditionalExecutor {
	return &ConditionalExecutor{evaluator: evaluator}
}

// Execute evaluates the conditions expression against the merged scope
func (e *ConditionalExecutor) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	condition, err := configString(config, "conditions")
	if err != nil {
		return nil, err
	}

	result, err := e.evaluator.EvalBool(condition, scope(input))
	if err != nil {
		return nil, models.NewPermanent("condition evaluation failed", err)
	}

	return map[string]any{
		"result":    result,
		"condition": condition,
	}, nil
}
