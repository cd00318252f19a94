package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trellishq/trellis/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ErrUnknownNodeType is returned when no executor is registered for a type
var ErrUnknownNodeType = errors.New("unknown node type")

// RetryPolicy governs how the engine retries Transient executor failures
type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	BackoffFactor  float64       `json:"backoff_factor"`
}

// Backoff returns the delay before the given retry attempt (1-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		d = time.Second
	}
	factor := p.BackoffFactor
	if factor <= 1 {
		factor = 2
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// DefaultRetryPolicy applies to executors that declare none
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:     0,
	InitialBackoff: time.Second,
	BackoffFactor:  2,
}

// Executor implements one node type's behavior. Executors are pure in
// contract: they take the input envelope and config and produce an output
// value or fail. Side effects are legitimate but never rolled back.
type Executor interface {
	Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error)
}

// ExecutorFunc adapts a plain function to the Executor interface
type ExecutorFunc func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	return f(ctx, config, input)
}

// RetryPolicyProvider lets an executor declare its default retry policy
type RetryPolicyProvider interface {
	RetryPolicy() RetryPolicy
}

// Dispatcher resolves a node type to its executor and invokes it. The
// executor set is read-mostly: registrations happen at startup or through
// admin paths.
type Dispatcher struct {
	mu        sync.RWMutex
	executors map[string]Executor
	logger    Logger
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(logger Logger) *Dispatcher {
	return &Dispatcher{
		executors: make(map[string]Executor),
		logger:    logger,
	}
}

// Register adds or replaces the executor for a node type
func (d *Dispatcher) Register(nodeType string, executor Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[nodeType] = executor
	d.logger.Debug("executor registered", "node_type", nodeType)
}

// Resolve returns the executor for a node type
func (d *Dispatcher) Resolve(nodeType string) (Executor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	executor, ok := d.executors[nodeType]
	return executor, ok
}

// Registered returns the number of registered executors
func (d *Dispatcher) Registered() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.executors)
}

// Dispatch invokes the executor registered for nodeType. An unregistered
// type is a Permanent failure; executor errors pass through so the engine
// can classify them as Transient or Permanent.
func (d *Dispatcher) Dispatch(ctx context.Context, nodeType string, config map[string]any, input *models.NodeInput) (any, error) {
	executor, ok := d.Resolve(nodeType)
	if !ok {
		return nil, models.NewPermanent(
			fmt.Sprintf("unknown node type '%s'", nodeType),
			ErrUnknownNodeType,
		)
	}

	output, err := executor.Execute(ctx, config, input)
	if err != nil {
		var execErr *models.ExecutionError
		if !errors.As(err, &execErr) {
			// Unclassified executor errors are treated as permanent
			err = models.NewPermanent(err.Error(), err)
		}
		return nil, err
	}
	return output, nil
}

// RetryPolicyFor returns the executor's declared retry policy, or the
// default when the executor declares none or is unregistered
func (d *Dispatcher) RetryPolicyFor(nodeType string) RetryPolicy {
	executor, ok := d.Resolve(nodeType)
	if !ok {
		return DefaultRetryPolicy
	}
	if provider, ok := executor.(RetryPolicyProvider); ok {
		return provider.RetryPolicy()
	}
	return DefaultRetryPolicy
}
