package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/common/models"
)

type testLogger struct{}

func (testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (testLogger) Error(msg string, keysAndValues ...interface{}) {}
func (testLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (testLogger) Debug(msg string, keysAndValues ...interface{}) {}

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })
	return NewLimiter(raw, testLogger{}), mr
}

func TestCheckUser_AllowsUpToLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		result, err := limiter.CheckUser(ctx, "u-1", 3, 60)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d", i)
		assert.Equal(t, int64(i), result.CurrentCount)
	}

	result, err := limiter.CheckUser(ctx, "u-1", 3, 60)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, int64(3), result.Limit)
	assert.Greater(t, result.RetryAfterSeconds, int64(0))
}

func TestCheckUser_CountersAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	result, err := limiter.CheckUser(ctx, "u-1", 1, 60)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = limiter.CheckUser(ctx, "u-1", 1, 60)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	// A different user is unaffected
	result, err = limiter.CheckUser(ctx, "u-2", 1, 60)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestCheckUser_WindowExpiryResets(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	result, err := limiter.CheckUser(ctx, "u-1", 1, 30)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = limiter.CheckUser(ctx, "u-1", 1, 30)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	mr.FastForward(31 * time.Second)

	result, err = limiter.CheckUser(ctx, "u-1", 1, 30)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(1), result.CurrentCount)
}

func TestCheckTiered_SeparateCountersPerTier(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	// Exhaust the express tier
	for i := int64(0); i < LimitForTier(TierExpress); i++ {
		result, err := limiter.CheckTiered(ctx, "u-1", 9)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}
	result, err := limiter.CheckTiered(ctx, "u-1", 9)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// Bulk submissions from the same user still pass
	result, err = limiter.CheckTiered(ctx, "u-1", 2)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestTierFor_PriorityBands(t *testing.T) {
	assert.Equal(t, TierExpress, TierFor(10))
	assert.Equal(t, TierExpress, TierFor(8))
	assert.Equal(t, TierStandard, TierFor(7))
	assert.Equal(t, TierStandard, TierFor(models.DefaultPriority))
	assert.Equal(t, TierStandard, TierFor(4))
	assert.Equal(t, TierBulk, TierFor(3))
	assert.Equal(t, TierBulk, TierFor(1))
}

func TestTierLimits(t *testing.T) {
	// Express is the smallest window budget, bulk the largest
	assert.Less(t, LimitForTier(TierExpress), LimitForTier(TierStandard))
	assert.Less(t, LimitForTier(TierStandard), LimitForTier(TierBulk))
}
