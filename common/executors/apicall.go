package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/trellishq/trellis/common/dispatch"
	"github.com/trellishq/trellis/common/executors/security"
	"github.com/trellishq/trellis/common/models"
)

// APICallExecutor performs an outbound HTTP request. Every target passes
// SSRF validation, and calls flow through a per-host circuit breaker so a
// dead endpoint stops consuming retry budget across runs.
type APICallExecutor struct {
	client    *http.Client
	validator *security.URLValidator
	logger    Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewAPICallExecutor creates an API call executor
func NewAPICallExecutor(client *http.Client, logger Logger) *APICallExecutor {
	return &APICallExecutor{
		client:    client,
		validator: security.NewURLValidator(),
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RetryPolicy declares the default retry behavior for transient HTTP failures
func (e *APICallExecutor) RetryPolicy() dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		BackoffFactor:  2,
	}
}

// Execute performs the configured HTTP call
func (e *APICallExecutor) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	endpoint, err := configString(config, "endpoint")
	if err != nil {
		return nil, err
	}
	method, err := configString(config, "method")
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(method)

	if err := e.validator.Validate(endpoint); err != nil {
		return nil, models.NewPermanent("endpoint rejected by URL validation", err)
	}

	body := config["body"]
	if body == nil && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) {
		body = primaryInput(input)
	}

	breaker := e.breakerFor(endpoint)
	result, err := breaker.Execute(func() (interface{}, error) {
		return e.doRequest(ctx, method, endpoint, body, configMap(config, "headers"))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, models.NewTransient(fmt.Sprintf("circuit open for %s", endpoint), err)
		}
		return nil, err
	}
	return result, nil
}

func (e *APICallExecutor) doRequest(ctx context.Context, method, endpoint string, body any, headers map[string]any) (any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, models.NewPermanent("failed to encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, models.NewPermanent("failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewTimeout("request deadline exceeded")
		}
		return nil, models.NewTransient("request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, models.NewTransient("failed to read response body", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.NewTransient(
			fmt.Sprintf("endpoint returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, models.NewPermanent(
			fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200)), nil)
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		parsed = string(data)
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsed,
	}, nil
}

func (e *APICallExecutor) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	host := endpoint
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		host = parsed.Host
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	breaker, ok := e.breakers[host]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				e.logger.Warn("circuit breaker state change", "host", name, "from", from.String(), "to", to.String())
			},
		})
		e.breakers[host] = breaker
	}
	return breaker
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
