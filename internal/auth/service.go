// Package auth administers the device tokens the gateway accepts. Tokens
// are shown once at issue time; only their hash is stored.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/darkroom/internal/common"
	pkgauth "github.com/lgulliver/darkroom/pkg/auth"
	"github.com/lgulliver/darkroom/pkg/types"
	"github.com/rs/zerolog/log"
)

// ErrDeviceTokenNotFound is returned when no token matches id and owner
var ErrDeviceTokenNotFound = errors.New("device token not found")

// Invalidator drops cached identities. *common.Cache satisfies it.
type Invalidator interface {
	Delete(ctx context.Context, key string) error
}

// IssueRequest describes a new device token
type IssueRequest struct {
	UserID string
	Role   string
	Label  string
	TTL    time.Duration
}

// Service issues, lists and revokes device tokens
type Service struct {
	db    *common.Database
	cache Invalidator
	now   func() time.Time
}

// NewService creates a device token service. cache may be nil.
func NewService(db *common.Database, cache Invalidator) *Service {
	return &Service{db: db, cache: cache, now: time.Now}
}

// IssueDeviceToken stores a new token and returns it with its plaintext value
func (s *Service) IssueDeviceToken(ctx context.Context, req IssueRequest) (*types.DeviceToken, string, error) {
	if req.UserID == "" {
		return nil, "", fmt.Errorf("user id is required")
	}

	value, err := pkgauth.GenerateDeviceToken(req.Label)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate device token: %w", err)
	}

	role := req.Role
	if role == "" {
		role = "photographer"
	}
	token := &types.DeviceToken{
		UserID:    req.UserID,
		Role:      role,
		Label:     req.Label,
		TokenHash: pkgauth.HashDeviceToken(value),
	}
	if req.TTL > 0 {
		expiresAt := s.now().Add(req.TTL).UTC()
		token.ExpiresAt = &expiresAt
	}

	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create device token: %w", err)
	}

	log.Info().Str("token_id", token.ID.String()).Str("user_id", token.UserID).Str("role", token.Role).Msg("Issued device token")
	return token, value, nil
}

// ListDeviceTokens lists a user's tokens, newest first
func (s *Service) ListDeviceTokens(ctx context.Context, userID string) ([]types.DeviceToken, error) {
	var tokens []types.DeviceToken
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	return tokens, nil
}

// RevokeDeviceToken marks a token revoked and drops its cached identity
func (s *Service) RevokeDeviceToken(ctx context.Context, tokenID uuid.UUID, userID string) error {
	var token types.DeviceToken
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", tokenID, userID).First(&token).Error; err != nil {
		return ErrDeviceTokenNotFound
	}

	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&types.DeviceToken{}).
		Where("id = ? AND revoked_at IS NULL", tokenID).
		Update("revoked_at", now)
	if result.Error != nil {
		return fmt.Errorf("failed to revoke device token: %w", result.Error)
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, "device:"+token.TokenHash); err != nil {
			log.Warn().Err(err).Str("token_id", tokenID.String()).Msg("failed to drop cached device identity")
		}
	}

	log.Info().Str("token_id", tokenID.String()).Str("user_id", userID).Msg("Revoked device token")
	return nil
}
