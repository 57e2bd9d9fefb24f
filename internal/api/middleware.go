package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/samcharles93/loraserve/internal/logger"
	"golang.org/x/time/rate"
)

const HeaderRequestID = "X-Request-Id"

// RequestID echoes the caller's X-Request-Id or assigns a new one, and puts
// a logger carrying the id into the request context.
func RequestID(log logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			id := req.Header.Get(HeaderRequestID)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			c.Response().Header().Set(HeaderRequestID, id)
			ctx := logger.WithContext(req.Context(), log.With("request_id", id))
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// RateLimit rejects requests with 429 once limiter runs dry. A nil limiter
// admits everything.
func RateLimit(limiter *rate.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if limiter == nil {
			return next
		}
		return func(c *echo.Context) error {
			if !limiter.Allow() {
				return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "", "rate_limited")
			}
			return next(c)
		}
	}
}
