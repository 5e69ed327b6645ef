// Package identity folds the two accepted caller credentials, a session
// cookie and a device-bound token header, into one canonical Identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lgulliver/darkroom/internal/apperr"
	"github.com/lgulliver/darkroom/internal/common"
	"github.com/lgulliver/darkroom/pkg/auth"
	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/lgulliver/darkroom/pkg/types"
	"github.com/lgulliver/darkroom/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrTokenNotFound is returned by a DeviceTokenStore when no row matches
var ErrTokenNotFound = errors.New("device token not found")

// DeviceTokenStore looks device tokens up by hash
type DeviceTokenStore interface {
	FindByHash(ctx context.Context, hash string) (*types.DeviceToken, error)
}

// Cache is the subset of common.Cache the resolver needs
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// GormDeviceTokenStore reads device tokens written by the identity provider
type GormDeviceTokenStore struct {
	db *common.Database
}

// NewGormDeviceTokenStore creates a store over db
func NewGormDeviceTokenStore(db *common.Database) *GormDeviceTokenStore {
	return &GormDeviceTokenStore{db: db}
}

// FindByHash returns the token row with the given hash
func (s *GormDeviceTokenStore) FindByHash(ctx context.Context, hash string) (*types.DeviceToken, error) {
	var token types.DeviceToken
	if err := s.db.WithContext(ctx).Where("token_hash = ?", hash).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to look up device token: %w", err)
	}
	return &token, nil
}

type cachedDevice struct {
	Identity  types.Identity `json:"identity"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// Resolver validates credentials and produces identities
type Resolver struct {
	store    DeviceTokenStore
	cache    Cache
	cacheTTL time.Duration
	config   *config.AuthConfig
	now      func() time.Time
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(store DeviceTokenStore, cache Cache, cacheTTL time.Duration, cfg *config.AuthConfig) *Resolver {
	return &Resolver{
		store:    store,
		cache:    cache,
		cacheTTL: cacheTTL,
		config:   cfg,
		now:      time.Now,
	}
}

// Resolve inspects the request credentials. A valid session wins over a
// device token; either one validating is enough.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*types.Identity, error) {
	var sessionToken string
	if cookie, err := req.Cookie(r.config.SessionCookie); err == nil {
		sessionToken = strings.TrimSpace(cookie.Value)
	}
	deviceToken := strings.TrimSpace(req.Header.Get(r.config.DeviceTokenHeader))

	if sessionToken == "" && deviceToken == "" {
		return nil, apperr.Unauthenticated("missing credentials")
	}

	if sessionToken != "" {
		identity, err := r.ValidateSession(sessionToken)
		if err == nil {
			return identity, nil
		}
		log.Debug().Err(err).Msg("session credential rejected")
	}

	if deviceToken != "" {
		identity, err := r.ValidateDeviceToken(ctx, deviceToken)
		if err == nil {
			return identity, nil
		}
		log.Debug().Err(err).Msg("device credential rejected")
	}

	return nil, apperr.Unauthenticated("invalid credentials")
}

// ValidateSession validates a session token
func (r *Resolver) ValidateSession(token string) (*types.Identity, error) {
	claims, err := utils.ValidateSessionToken(token, r.config.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}

	role := claims.Role
	if role == "" {
		role = "client"
	}
	return &types.Identity{ID: claims.Subject, Kind: types.IdentitySession, Role: role}, nil
}

// ValidateDeviceToken validates a device token, consulting the cache first
func (r *Resolver) ValidateDeviceToken(ctx context.Context, token string) (*types.Identity, error) {
	if !auth.ValidateDeviceTokenFormat(token) {
		return nil, fmt.Errorf("malformed device token")
	}

	hash := auth.HashDeviceToken(token)
	cacheKey := "device:" + hash

	if r.cache != nil {
		var cached cachedDevice
		if err := r.cache.Get(ctx, cacheKey, &cached); err == nil {
			if cached.ExpiresAt == nil || r.now().Before(*cached.ExpiresAt) {
				identity := cached.Identity
				return &identity, nil
			}
		} else if !errors.Is(err, common.ErrCacheMiss) {
			log.Warn().Err(err).Msg("identity cache read failed")
		}
	}

	row, err := r.store.FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !row.Usable(r.now()) {
		return nil, fmt.Errorf("device token revoked or expired")
	}

	identity := types.Identity{ID: row.UserID, Kind: types.IdentityDevice, Role: row.Role}

	if r.cache != nil && r.cacheTTL > 0 {
		entry := cachedDevice{Identity: identity, ExpiresAt: row.ExpiresAt}
		if err := r.cache.Set(ctx, cacheKey, entry, r.cacheTTL); err != nil {
			log.Warn().Err(err).Msg("identity cache write failed")
		}
	}

	return &identity, nil
}
