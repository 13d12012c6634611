package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
)

// PrometheusMiddleware is a Gin middleware that records HTTP metrics
type PrometheusMiddleware struct {
	metrics *metrics.Metrics
}

// NewPrometheusMiddleware creates a new Prometheus middleware
func NewPrometheusMiddleware(m *metrics.Metrics) *PrometheusMiddleware {
	return &PrometheusMiddleware{
		metrics: m,
	}
}

// Handler returns the Gin middleware handler. Signaling upgrades are left to the
// WebSocket metrics since their duration is the connection lifetime.
func (p *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}

		p.metrics.IncrementHTTPRequestsInFlight()
		defer p.metrics.DecrementHTTPRequestsInFlight()

		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		p.metrics.RecordHTTPRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}

// MetricsHandler serves the service's dedicated registry. Collection errors are
// logged and the remaining metrics are still served.
func MetricsHandler(m *metrics.Metrics) gin.HandlerFunc {
	if m == nil || m.GetRegistry() == nil {
		return func(c *gin.Context) {
			c.String(http.StatusServiceUnavailable, "metrics not initialized")
		}
	}

	handler := promhttp.HandlerFor(m.GetRegistry(), promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(logger.Log.Named("metrics")),
		ErrorHandling: promhttp.ContinueOnError,
	})
	return gin.WrapH(handler)
}
