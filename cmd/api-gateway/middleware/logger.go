package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lgulliver/darkroom/internal/gateway"
	"github.com/rs/zerolog/log"
)

// RequestIDHeader carries the request id to the caller and the backend
const RequestIDHeader = "X-Request-ID"

// RequestLogger assigns a request id when absent and logs each request
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			c.Request.Header.Set(RequestIDHeader, requestID)
		}
		c.Header(RequestIDHeader, requestID)

		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("mode", c.GetString(gateway.ModeContextKey)).
			Dur("duration", time.Since(startTime)).
			Msg("request handled")
	}
}
