package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/darkroom/cmd/api-gateway/types"
	"github.com/lgulliver/darkroom/internal/apperr"
	"github.com/lgulliver/darkroom/internal/gateway"
	"github.com/lgulliver/darkroom/internal/storage"
	"github.com/rs/zerolog/log"
)

// dependencyCheck reports an error when a backing service is unhealthy
type dependencyCheck func(ctx context.Context) error

func handleHealth(checks map[string]dependencyCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := types.HealthStatus{
			Status:    "healthy",
			Service:   "darkroom-api-gateway",
			Timestamp: time.Now().UTC(),
			Services:  make(map[string]string, len(checks)),
		}
		code := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
				status.Services[name] = "unhealthy"
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			status.Services[name] = "healthy"
		}

		c.JSON(code, status)
	}
}

// handleLocalStorageUpload receives presigned PUTs for the local storage
// backend. A key can be written once, with exactly the signed size.
func handleLocalStorageUpload(store *storage.LocalStorage, maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("key"), "/")
		contentType := c.Query("contentType")

		signedSize, err := store.VerifyUpload(key, contentType, c.Query("size"), c.Query("expires"), c.Query("signature"))
		if err != nil {
			log.Debug().Err(err).Str("key", key).Msg("rejected storage upload")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		if got := c.ContentType(); contentType != "" && got != contentType {
			gateway.WriteError(c, apperr.InvalidInput("content type %q does not match the signed %q", got, contentType))
			return
		}
		if maxSize > 0 && c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "object too large"})
			return
		}
		if c.Request.ContentLength != signedSize {
			gateway.WriteError(c, apperr.InvalidInput("content length %d does not match the signed %d", c.Request.ContentLength, signedSize))
			return
		}

		info, err := store.StoreOnce(c.Request.Context(), key, c.Request.Body, signedSize)
		switch {
		case errors.Is(err, storage.ErrObjectExists):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "upload URL already used"})
			return
		case errors.Is(err, storage.ErrObjectTooLarge):
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "object too large"})
			return
		case err != nil:
			gateway.WriteError(c, apperr.Internal("failed to store object", err))
			return
		}

		c.Header("ETag", `"`+info.ETag+`"`)
		c.JSON(http.StatusOK, types.StoredObjectResponse{Key: info.Key, Size: info.Size, ETag: info.ETag})
	}
}
