package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"codedrop/internal/server/ratelimit"

	"github.com/labstack/echo/v4"
)

// RateLimit returns an echo middleware enforcing the fixed-window
// limiter for one route class. The client identity is the network-level
// address; the limiter decides what happens when there is none. A
// shared-backend failure rejects the request rather than skipping the
// count.
func RateLimit(limiter *ratelimit.Limiter, route ratelimit.RouteClass) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			decision, err := limiter.Admit(c.Request().Context(), c.RealIP(), route)
			if err != nil {
				switch {
				case errors.Is(err, ratelimit.ErrNoClientIdentity):
					slog.Error("request without attributable client identity rejected", "route", route)
					return c.JSON(http.StatusInternalServerError, echo.Map{
						"error": "server configuration error",
					})
				case errors.Is(err, ratelimit.ErrBackendUnavailable):
					slog.Error("rate limit backend unavailable", "route", route, "error", err)
					return c.JSON(http.StatusServiceUnavailable, echo.Map{
						"error": "service temporarily unavailable",
					})
				default:
					return c.JSON(http.StatusInternalServerError, echo.Map{
						"error": "internal server error",
					})
				}
			}

			c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !decision.Allowed {
				retryAfter := int(decision.RetryAfter.Seconds() + 0.5)
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				slog.Warn("rate limit exceeded", "ip", c.RealIP(), "route", route)
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error":       "rate limit exceeded, try again later",
					"retry_after": retryAfter,
				})
			}

			return next(c)
		}
	}
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
