// Package middleware provides HTTP middleware components for authentication,
// request correlation, tracing and request logging.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/irfndi/celebrum-forecast/internal/logging"
)

const (
	// RequestIDHeader carries the correlation id in and out.
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the gin context key holding the correlation id.
	RequestIDKey = "request_id"
)

// TelemetryMiddleware traces every request except health probes.
func TelemetryMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName,
		otelgin.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	)
}

// RequestID propagates the caller's X-Request-ID or assigns a new uuid.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the correlation id assigned by RequestID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// RequestLogger logs one structured line per request once it completes, plus the
// errors handlers attached to the gin context.
func RequestLogger(logger *logging.StandardLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		requestID := GetRequestID(c)
		logger.LogAPIRequest(c.Request.Method, path, status, time.Since(start).Milliseconds(), requestID)

		if len(c.Errors) == 0 {
			return
		}
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.WithRequestID(requestID).Log(c.Request.Context(), level, "Request failed",
			"path", path,
			"status", status,
			"errors", c.Errors.String(),
		)
	}
}
