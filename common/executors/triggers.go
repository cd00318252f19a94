package executors

import (
	"context"
	"time"

	"github.com/trellishq/trellis/common/models"
)

// TriggerExecutor implements the trigger node types. Triggers never pull
// data themselves at execution time: the submission already captured the
// trigger payload, so they pass it through and stamp when they fired.
type TriggerExecutor struct {
	triggerType string
}

// NewTriggerExecutor creates the pass-through executor for one trigger type
func NewTriggerExecutor(triggerType string) *TriggerExecutor {
	return &TriggerExecutor{triggerType: triggerType}
}

// Execute returns the trigger payload as the node's output
func (e *TriggerExecutor) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	data := map[string]any{}
	for k, v := range input.Trigger {
		data[k] = v
	}
	data["trigger_type"] = e.triggerType
	data["fired_at"] = time.Now().UTC().Format(time.RFC3339)
	return data, nil
}
