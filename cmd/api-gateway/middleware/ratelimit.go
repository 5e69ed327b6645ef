package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/lgulliver/darkroom/internal/apperr"
	"github.com/lgulliver/darkroom/internal/gateway"
	"github.com/lgulliver/darkroom/internal/metrics"
	"github.com/lgulliver/darkroom/internal/ratelimit"
	"github.com/rs/zerolog/log"
)

// RateLimitMiddleware applies limiter per identity, falling back to client IP.
// A nil limiter disables limiting. Limiter failures let the request through.
func RateLimitMiddleware(limiter ratelimit.Limiter, m *metrics.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		decision, err := limiter.Allow(c.Request.Context(), rateLimitKey(c))
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if !decision.Allowed {
			m.ObserveRateLimited()
			gateway.WriteError(c, apperr.RateLimited(decision.RetryAfter))
			return
		}
		c.Next()
	}
}

func rateLimitKey(c *gin.Context) string {
	if caller, ok := GetIdentityFromContext(c); ok && caller.ID != "" {
		return "identity:" + caller.ID
	}
	return "ip:" + c.ClientIP()
}
