package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/common/models"
)

type testLogger struct{}

func (testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (testLogger) Error(msg string, keysAndValues ...interface{}) {}
func (testLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (testLogger) Debug(msg string, keysAndValues ...interface{}) {}

type policyExecutor struct{}

func (policyExecutor) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	return nil, nil
}

func (policyExecutor) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, InitialBackoff: 100 * time.Millisecond, BackoffFactor: 3}
}

func TestDispatch_UnknownTypeIsPermanent(t *testing.T) {
	d := NewDispatcher(testLogger{})

	_, err := d.Dispatch(context.Background(), "nope", nil, &models.NodeInput{})

	require.Error(t, err)
	assert.Equal(t, models.CodePermanent, models.CodeOf(err))
	assert.ErrorIs(t, err, ErrUnknownNodeType)
}

func TestDispatch_RoutesToRegisteredExecutor(t *testing.T) {
	d := NewDispatcher(testLogger{})
	d.Register("echo", ExecutorFunc(func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
		return config["value"], nil
	}))

	output, err := d.Dispatch(context.Background(), "echo", map[string]any{"value": 7}, &models.NodeInput{})

	require.NoError(t, err)
	assert.Equal(t, 7, output)
}

func TestDispatch_WrapsUnclassifiedErrors(t *testing.T) {
	d := NewDispatcher(testLogger{})
	d.Register("plain", ExecutorFunc(func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
		return nil, errors.New("something broke")
	}))

	_, err := d.Dispatch(context.Background(), "plain", nil, &models.NodeInput{})

	require.Error(t, err)
	assert.Equal(t, models.CodePermanent, models.CodeOf(err))
}

func TestDispatch_PreservesClassifiedErrors(t *testing.T) {
	d := NewDispatcher(testLogger{})
	d.Register("flaky", ExecutorFunc(func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
		return nil, models.NewTransient("connection reset", nil)
	}))

	_, err := d.Dispatch(context.Background(), "flaky", nil, &models.NodeInput{})

	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
}

func TestRetryPolicyFor(t *testing.T) {
	d := NewDispatcher(testLogger{})
	d.Register("declared", policyExecutor{})
	d.Register("plain", ExecutorFunc(func(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
		return nil, nil
	}))

	assert.Equal(t, 5, d.RetryPolicyFor("declared").MaxRetries)
	assert.Equal(t, DefaultRetryPolicy, d.RetryPolicyFor("plain"))
	assert.Equal(t, DefaultRetryPolicy, d.RetryPolicyFor("unregistered"))
}

func TestBackoff_Doubles(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, InitialBackoff: time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
}
