package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware exposes a request-scoped logger under "logger" and logs
// one line per request once the handler chain returns.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLogger := logger
		if id := c.GetString("request_id"); id != "" {
			reqLogger = logger.With("request_id", id)
		}
		c.Set("logger", reqLogger)
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if p, ok := GetPrincipal(c); ok {
			attrs = append(attrs, "principal", p.String())
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			reqLogger.Error("http request", attrs...)
		case status >= 400:
			reqLogger.Warn("http request", attrs...)
		default:
			reqLogger.Debug("http request", attrs...)
		}
	}
}

// LoggerFrom returns the request-scoped logger or slog.Default.
func LoggerFrom(c *gin.Context) *slog.Logger {
	if v, ok := c.Get("logger"); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
