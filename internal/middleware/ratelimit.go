package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/response"
)

// WindowCounter counts hits per key in fixed windows.
// *database.RedisClient implements it.
type WindowCounter interface {
	SafeIncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimiter implements Redis-based fixed-window rate limiting
type RateLimiter struct {
	counter  WindowCounter
	requests int
	window   time.Duration
	metrics  *metrics.Metrics
}

// NewRateLimiter creates a new rate limiter allowing requests per window
func NewRateLimiter(counter WindowCounter, requests int, window time.Duration, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		counter:  counter,
		requests: requests,
		window:   window,
		metrics:  m,
	}
}

// Middleware returns a Gin middleware for rate limiting.
// It keys on the authenticated user when present, otherwise the client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID := UserID(c); userID != "" {
			identifier = "user:" + userID
		}

		windowStart := time.Now().Truncate(rl.window)
		key := fmt.Sprintf("ratelimit:%s:%s:%d", c.FullPath(), identifier, windowStart.Unix())

		count, err := rl.counter.SafeIncrWindow(c.Request.Context(), key, rl.window)
		if err != nil {
			// Fail-open: Redis outages must not take the API down
			logger.FromContext(c.Request.Context()).Debug("Rate limit check skipped", zap.Error(err))
			c.Next()
			return
		}

		remaining := rl.requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(windowStart.Add(rl.window).Unix(), 10))

		if int(count) > rl.requests {
			rl.metrics.RecordRateLimited(c.FullPath())
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}
