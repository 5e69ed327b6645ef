// Package upload implements the native half of the two-phase upload
// transaction: issuing write destinations and verifying finalize requests
// against storage before they reach the backend.
package upload

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lgulliver/darkroom/internal/apperr"
	"github.com/lgulliver/darkroom/internal/storage"
	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/lgulliver/darkroom/pkg/types"
	"github.com/lgulliver/darkroom/pkg/utils"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "uploads"

// IntentIssuer validates intent requests and issues presigned destinations
type IntentIssuer struct {
	presigner storage.Presigner
	limits    *config.UploadLimits
	newID     func() uuid.UUID
}

// NewIntentIssuer creates an issuer over presigner
func NewIntentIssuer(presigner storage.Presigner, limits *config.UploadLimits) *IntentIssuer {
	return &IntentIssuer{
		presigner: presigner,
		limits:    limits,
		newID:     uuid.New,
	}
}

// Issue returns a single-use destination for the declared file. No backend
// call is made; the backend first hears of the file at finalize.
func (i *IntentIssuer) Issue(ctx context.Context, identity *types.Identity, req types.IntentRequest) (*types.IntentResponse, error) {
	if identity == nil || identity.ID == "" {
		return nil, apperr.Unauthenticated("authentication required")
	}
	if err := i.validate(req); err != nil {
		log.Debug().Err(err).Str("identity", identity.ID).Msg("intent rejected")
		return nil, err
	}

	fileID := i.newID().String()
	objectKey := ObjectKey(identity.ID, req.JobID, fileID, req.Filename)
	mimeType := strings.ToLower(strings.TrimSpace(req.MimeType))

	destination, err := i.presigner.PresignPut(ctx, objectKey, mimeType, req.FileSize, i.limits.IntentTTL)
	if err != nil {
		log.Error().Err(err).Str("object_key", objectKey).Msg("failed to presign upload")
		return nil, apperr.Internal("failed to issue upload destination", err)
	}

	log.Info().
		Str("identity", identity.ID).
		Str("file_id", fileID).
		Str("object_key", objectKey).
		Int64("file_size", req.FileSize).
		Msg("upload intent issued")

	return &types.IntentResponse{
		SignedURL:     destination.URL,
		FileID:        fileID,
		ObjectKey:     objectKey,
		Method:        destination.Method,
		UploadHeaders: destination.Headers,
		ExpiresAt:     destination.ExpiresAt,
	}, nil
}

// validate checks required fields, then mime type, then size
func (i *IntentIssuer) validate(req types.IntentRequest) error {
	var missing []string
	if strings.TrimSpace(req.Filename) == "" {
		missing = append(missing, "filename")
	}
	if strings.TrimSpace(req.MimeType) == "" {
		missing = append(missing, "mimeType")
	}
	if req.FileSize <= 0 {
		missing = append(missing, "fileSize")
	}
	if len(missing) > 0 {
		return apperr.InvalidInput("missing required fields: %s", strings.Join(missing, ", "))
	}

	if !i.limits.MimeAllowed(req.MimeType) {
		return apperr.InvalidInput("unsupported mime type: %s", req.MimeType)
	}
	if i.limits.MaxFileSize > 0 && req.FileSize > i.limits.MaxFileSize {
		return apperr.InvalidInput("file size %s exceeds the %s limit",
			utils.FormatBytes(req.FileSize), utils.FormatBytes(i.limits.MaxFileSize))
	}
	return nil
}

// ObjectKey builds the storage key for a file owned by identityID
func ObjectKey(identityID, jobID, fileID, filename string) string {
	return fmt.Sprintf("%s/%s/%s/%s%s",
		keyPrefix,
		utils.SanitizeKeySegment(identityID),
		utils.SanitizeKeySegment(jobID),
		fileID,
		utils.FileExtension(filename),
	)
}

// OwnerPrefix is the key prefix every object owned by identityID shares
func OwnerPrefix(identityID string) string {
	return keyPrefix + "/" + utils.SanitizeKeySegment(identityID) + "/"
}
