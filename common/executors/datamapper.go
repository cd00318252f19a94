package executors

import (
	"context"

	"github.com/trellishq/trellis/common/mapping"
	"github.com/trellishq/trellis/common/models"
)

// DataMapperExecutor transforms its input through CEL mapping rules. Each
// rule value that is a string is a CEL expression over the envelope; other
// values copy through as literals. Rule failures are permanent: a rule that
// cannot evaluate today will not evaluate on retry either.
type DataMapperExecutor struct {
	mapper *mapping.Mapper
}

// NewDataMapperExecutor creates a data mapper executor
func NewDataMapperExecutor(mapper *mapping.Mapper) *DataMapperExecutor {
	return &DataMapperExecutor{mapper: mapper}
}

// Execute applies mapping_rules to the input envelope
func (e *DataMapperExecutor) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	rules := configMap(config, "mapping_rules")
	if rules == nil {
		return nil, models.NewPermanent("config key 'mapping_rules' must be an object", nil)
	}

	vars := map[string]any{
		"input":   primaryInput(input),
		"trigger": input.Trigger,
		"nodes":   input.Nodes,
		"workflow": map[string]any{
			"run_id":    input.Workflow.RunID,
			"variables": input.Workflow.Variables,
		},
	}

	mapped, err := e.mapper.Apply(rules, vars)
	if err != nil {
		return nil, models.NewPermanent("mapping failed", err)
	}
	return mapped, nil
}
