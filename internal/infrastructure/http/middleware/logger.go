package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"shipsync/pkg/logger"
)

// Logger logs each ops request with timing and status. Probe traffic is
// logged at debug so it does not drown the job logs.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l := log.WithContext(c.Request.Context())
		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(requestIDKey),
		}
		if len(c.Errors) > 0 {
			l.Warnw("http request", append(fields, "error", c.Errors.String())...)
			return
		}
		l.Debugw("http request", fields...)
	}
}
