package executors

import (
	"context"
	"fmt"

	"github.com/trellishq/trellis/common/expression"
	"github.com/trellishq/trellis/common/models"
)

// CalculatorExecutor evaluates an arithmetic formula over named input
// fields and writes the result under output_field.
type CalculatorExecutor struct {
	evaluator *expression.Evaluator
}

// NewCalculatorExecutor creates a calculator executor
func NewCalculatorExecutor(evaluator *expression.Evaluator) *CalculatorExecutor {
	return &CalculatorExecutor{evaluator: evaluator}
}

// Execute evaluates the formula against the merged scope
func (e *CalculatorExecutor) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	formula, err := configString(config, "formula")
	if err != nil {
		return nil, err
	}
	outputField, err := configString(config, "output_field")
	if err != nil {
		return nil, err
	}

	env := scope(input)

	// input_fields restricts and documents the formula's inputs; a named
	// field missing from the scope is a definition bug, not a data race
	if fields, ok := config["input_fields"].([]any); ok {
		for _, raw := range fields {
			name, ok := raw.(string)
			if !ok {
				continue
			}
			if _, present := env[name]; !present {
				return nil, models.NewPermanent(
					fmt.Sprintf("input field '%s' is not present in the node input", name), nil)
			}
		}
	}

	result, err := e.evaluator.Eval(formula, env)
	if err != nil {
		return nil, models.NewPermanent("formula evaluation failed", err)
	}

	return map[string]any{outputField: result}, nil
}
