// Package ratelimit provides Redis-backed request rate limiting with
// priority-aware tiers for run submission.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Limiter enforces fixed-window limits atomically via a Lua script
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewLimiter creates a rate limiter with the embedded Lua script
func NewLimiter(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckGlobal checks the service-wide limit over a one-minute window
func (l *Limiter) CheckGlobal(ctx context.Context, limit int64) (*Result, error) {
	return l.check(ctx, "rate_limit:global", limit, 60)
}

// CheckUser checks a per-user limit
func (l *Limiter) CheckUser(ctx context.Context, userID string, limit int64, windowSec int) (*Result, error) {
	key := fmt.Sprintf("rate_limit:user:%s", userID)
	return l.check(ctx, key, limit, windowSec)
}

// CheckTiered checks the per-user limit of the tier matching the submission
// priority. Tiers keep separate counters so bulk submissions never starve
// urgent ones.
func (l *Limiter) CheckTiered(ctx context.Context, userID string, priority int) (*Result, error) {
	tier := TierFor(priority)
	key := fmt.Sprintf("rate_limit:user:%s:tier:%s", userID, tier)
	return l.check(ctx, key, LimitForTier(tier), WindowForTier(tier))
}

// check runs the rate limit script atomically
func (l *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Script returns {allowed, current_count, limit, retry_after}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return nil, fmt.Errorf("unexpected rate limit script result: %v", raw)
	}

	result := &Result{
		Allowed:           values[0].(int64) == 1,
		CurrentCount:      values[1].(int64),
		Limit:             values[2].(int64),
		RetryAfterSeconds: values[3].(int64),
	}

	if !result.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", key, "current", result.CurrentCount, "limit", limit, "retry_after", result.RetryAfterSeconds)
	}
	return result, nil
}

// CurrentCount returns the live counter without incrementing it
func (l *Limiter) CurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// Reset clears a counter; admin and test use only
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, key).Err()
}
