package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/response"
)

// TimeoutMiddleware bounds every request context with a deadline.
// Handlers are expected to honour ctx; a request that reaches the deadline
// without writing a response gets 504.
func TimeoutMiddleware(timeout time.Duration, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}

		m.RecordRequestTimeout(c.Request.Method, c.FullPath())
		logger.FromContext(ctx).Warn("Request timed out",
			zap.Duration("timeout", timeout),
			zap.Duration("duration", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))

		if !c.Writer.Written() {
			response.Error(c, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "Request timeout")
			c.Abort()
		}
	}
}
