package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/trellishq/trellis/common/ratelimit"
)

// GlobalRateLimit guards the whole service with one shared budget. Limiter
// errors fail open: availability wins over strictness.
func GlobalRateLimit(limiter *ratelimit.Limiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			result, err := limiter.CheckGlobal(c.Request().Context(), limit)
			if err != nil {
				return next(c)
			}
			if !result.Allowed {
				return tooManyRequests(c, "global_rate_limit_exceeded", result)
			}
			return next(c)
		}
	}
}

// TieredRateLimit enforces the per-user budget of the tier matching the
// submission's priority. Must run after Auth.
func TieredRateLimit(limiter *ratelimit.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal, ok := PrincipalFrom(c)
			if !ok {
				return next(c)
			}

			priority := prioritySniff(c)
			result, err := limiter.CheckTiered(c.Request().Context(), principal.UserID, priority)
			if err != nil {
				return next(c)
			}
			if !result.Allowed {
				return tooManyRequests(c, "user_rate_limit_exceeded", result)
			}
			return next(c)
		}
	}
}

// prioritySniff reads the submission priority from the query without
// consuming the body; the handler re-validates it
func prioritySniff(c echo.Context) int {
	if raw := c.QueryParam("priority"); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil {
			return p
		}
	}
	return 5
}

func tooManyRequests(c echo.Context, code string, result *ratelimit.Result) error {
	c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
	return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
		"error": code,
		"details": map[string]interface{}{
			"limit":               result.Limit,
			"current_count":       result.CurrentCount,
			"retry_after_seconds": result.RetryAfterSeconds,
		},
	})
}
