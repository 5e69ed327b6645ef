package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/lgulliver/darkroom/internal/gateway"
	"github.com/lgulliver/darkroom/internal/identity"
	"github.com/lgulliver/darkroom/pkg/types"
)

// IdentityContextKey is the gin context key holding the resolved identity
const IdentityContextKey = "identity"

// IdentityMiddleware resolves the caller before any routing decision, so
// native and proxied requests are rejected identically
func IdentityMiddleware(resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := resolver.Resolve(c.Request.Context(), c.Request)
		if err != nil {
			gateway.WriteError(c, err)
			return
		}

		c.Set(IdentityContextKey, caller)
		c.Request = c.Request.WithContext(identity.WithIdentity(c.Request.Context(), caller))
		c.Next()
	}
}

// GetIdentityFromContext extracts the resolved identity from gin context
func GetIdentityFromContext(c *gin.Context) (*types.Identity, bool) {
	value, exists := c.Get(IdentityContextKey)
	if !exists {
		return nil, false
	}
	caller, ok := value.(*types.Identity)
	return caller, ok
}
