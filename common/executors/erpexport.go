package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trellishq/trellis/common/dispatch"
	"github.com/trellishq/trellis/common/executors/security"
	"github.com/trellishq/trellis/common/mapping"
	"github.com/trellishq/trellis/common/models"
)

// ERPExportExecutor maps the input into the target system's document shape
// via CEL rules and delivers it to the configured endpoint. Without an
// endpoint in connection_details the mapped document is the output, for
// pipelines where a downstream node owns delivery.
type ERPExportExecutor struct {
	mapper    *mapping.Mapper
	client    *http.Client
	validator *security.URLValidator
	logger    Logger
}

// NewERPExportExecutor creates an ERP export executor
func NewERPExportExecutor(mapper *mapping.Mapper, client *http.Client, logger Logger) *ERPExportExecutor {
	return &ERPExportExecutor{
		mapper:    mapper,
		client:    client,
		validator: security.NewURLValidator(),
		logger:    logger,
	}
}

// RetryPolicy declares the default retry behavior for transient delivery failures
func (e *ERPExportExecutor) RetryPolicy() dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 5 * time.Second,
		BackoffFactor:  2,
	}
}

// Execute maps and delivers the export document
func (e *ERPExportExecutor) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	systemType, err := configString(config, "system_type")
	if err != nil {
		return nil, err
	}
	connection := configMap(config, "connection_details")
	if connection == nil {
		return nil, models.NewPermanent("config key 'connection_details' must be an object", nil)
	}
	rules := configMap(config, "mapping")
	if rules == nil {
		return nil, models.NewPermanent("config key 'mapping' must be an object", nil)
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
	document, err := e.mapper.Apply(rules, vars)
	if err != nil {
		return nil, models.NewPermanent("field mapping failed", err)
	}

	endpoint, _ := connection["endpoint"].(string)
	if endpoint == "" {
		return map[string]any{
			"system_type": systemType,
			"document":    document,
			"delivered":   false,
		}, nil
	}

	if err := e.validator.Validate(endpoint); err != nil {
		return nil, models.NewPermanent("export endpoint rejected by URL validation", err)
	}
	if err := e.deliver(ctx, endpoint, connection, document); err != nil {
		return nil, err
	}

	e.logger.Debug("ERP document delivered", "system_type", systemType, "endpoint", endpoint)
	return map[string]any{
		"system_type": systemType,
		"document":    document,
		"delivered":   true,
	}, nil
}

func (e *ERPExportExecutor) deliver(ctx context.Context, endpoint string, connection map[string]any, document map[string]any) error {
	payload, err := json.Marshal(document)
	if err != nil {
		return models.NewPermanent("failed to encode export document", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.NewPermanent("failed to build export request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey, ok := connection["api_key"].(string); ok && apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.NewTimeout("export deadline exceeded")
		}
		return models.NewTransient("export delivery failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return models.NewTransient(fmt.Sprintf("export endpoint returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return models.NewPermanent(fmt.Sprintf("export endpoint returned %d", resp.StatusCode), nil)
	}
	return nil
}
