// Package executors provides the built-in node executors for the known node
// types. They are registered into the dispatcher at worker startup; the
// dispatcher itself works with any registered set.
package executors

import (
	"fmt"
	"net/http"
	"time"

	"github.com/trellishq/trellis/common/db"
	"github.com/trellishq/trellis/common/dispatch"
	"github.com/trellishq/trellis/common/expression"
	"github.com/trellishq/trellis/common/mapping"
	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/validation"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Deps carries the shared collaborators the built-in executors use
type Deps struct {
	Logger     Logger
	Mapper     *mapping.Mapper
	Evaluator  *expression.Evaluator
	DB         *db.DB       // optional; DatabaseWrite fails without it
	HTTPClient *http.Client // optional; a guarded default is built when nil
}

// RegisterBuiltins wires all built-in executors into the dispatcher
func RegisterBuiltins(d *dispatch.Dispatcher, deps Deps) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	d.Register(validation.TypeScheduleTrigger, NewTriggerExecutor(validation.TypeScheduleTrigger))
	d.Register(validation.TypeFormTrigger, NewTriggerExecutor(validation.TypeFormTrigger))
	d.Register(validation.TypeWebhookTrigger, NewTriggerExecutor(validation.TypeWebhookTrigger))
	d.Register(validation.TypeDataMapper, NewDataMapperExecutor(deps.Mapper))
	d.Register(validation.TypeCalculator, NewCalculatorExecutor(deps.Evaluator))
	d.Register(validation.TypeConditional, NewConditionalExecutor(deps.Evaluator))
	d.Register(validation.TypeLoop, NewLoopExecutor(deps.Evaluator))
	d.Register(validation.TypeDatabaseWrite, NewDatabaseWriteExecutor(deps.DB))
	d.Register(validation.TypeAPICall, NewAPICallExecutor(deps.HTTPClient, deps.Logger))
	d.Register(validation.TypeERPExport, NewERPExportExecutor(deps.Mapper, deps.HTTPClient, deps.Logger))
}

// scope builds the merged expression environment for an input envelope:
// workflow variables first, trigger fields over them, then the primary
// input's fields, plus the envelope sections under their own names.
func scope(input *models.NodeInput) map[string]any {
	env := map[string]any{}
	if input == nil {
		return env
	}
	for k, v := range input.Workflow.Variables {
		env[k] = v
	}
	for k, v := range input.Trigger {
		env[k] = v
	}
	if primary, ok := primaryInput(input).(map[string]any); ok {
		for k, v := range primary {
			env[k] = v
		}
	}

	env["workflow"] = map[string]any{
		"run_id":    input.Workflow.RunID,
		"status":    input.Workflow.Status,
		"variables": input.Workflow.Variables,
	}
	env["nodes"] = input.Nodes
	env["trigger"] = input.Trigger
	env["previous"] = input.Previous
	env["input"] = primaryInput(input)
	return env
}

// primaryInput picks the natural data object for a node: its sole
// predecessor's output when there is exactly one, the predecessor map when
// there are several, otherwise the trigger data.
func primaryInput(input *models.NodeInput) any {
	switch len(input.Previous) {
	case 0:
		if input.Trigger != nil {
			return input.Trigger
		}
		return map[string]any{}
	case 1:
		for _, output := range input.Previous {
			return output
		}
	}
	return input.Previous
}

// configString reads a required string config key
func configString(config map[string]any, key string) (string, error) {
	raw, ok := config[key]
	if !ok {
		return "", models.NewPermanent(fmt.Sprintf("config key '%s' is required", key), nil)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", models.NewPermanent(fmt.Sprintf("config key '%s' must be a non-empty string", key), nil)
	}
	return s, nil
}

// configMap reads an object-valued config key, tolerating absence
func configMap(config map[string]any, key string) map[string]any {
	if raw, ok := config[key].(map[string]any); ok {
		return raw
	}
	return nil
}
