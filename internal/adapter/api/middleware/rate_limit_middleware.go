package middleware

import (
	"fmt"
	"math"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/infrastructure/ratelimit"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
	"github.com/03AlAmine/jokko-agro/pkg/response"
)

// RateLimit spends one token of action per request, keyed by the
// authenticated user or the client IP before authentication.
func RateLimit(rl *ratelimit.RateLimiter, action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := UserID(c)
			if key == "" {
				key = "ip:" + c.RealIP()
			}

			allowed, retryAfter := rl.Allow(key, action)
			if !allowed {
				seconds := int(math.Ceil(retryAfter.Seconds()))
				logger.Warn("RATE LIMIT: %s blocked for %s (retry in %ds)", action, key, seconds)

				c.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
				return response.Error(c, errors.TooManyRequests(fmt.Sprintf("Too many %s requests", action), nil))
			}

			return next(c)
		}
	}
}
