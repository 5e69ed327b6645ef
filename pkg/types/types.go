package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IdentityKind tells which credential produced an Identity
type IdentityKind string

const (
	IdentitySession IdentityKind = "session"
	IdentityDevice  IdentityKind = "device"
)

// Identity is the canonical caller record produced by the identity resolver.
// The gateway never persists it.
type Identity struct {
	ID   string       `json:"id"`
	Kind IdentityKind `json:"kind"`
	Role string       `json:"role"`
}

// DeviceToken is a long-lived credential bound to a capture device. Rows are
// issued by darkroom-tokens; the gateway only reads them.
type DeviceToken struct {
	ID         uuid.UUID  `json:"id" gorm:"primaryKey"`
	UserID     string     `json:"user_id" gorm:"not null;index"`
	Role       string     `json:"role" gorm:"not null;default:photographer"`
	Label      string     `json:"label"`
	TokenHash  string     `json:"-" gorm:"uniqueIndex;not null"`
	ExpiresAt  *time.Time `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BeforeCreate generates a UUID for the device token ID
func (d *DeviceToken) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// Usable reports whether the token is neither revoked nor expired at now
func (d *DeviceToken) Usable(now time.Time) bool {
	if d.RevokedAt != nil {
		return false
	}
	return d.ExpiresAt == nil || now.Before(*d.ExpiresAt)
}

// IntentRequest is the body of POST /upload/intent
type IntentRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	FileSize int64  `json:"fileSize"`
	JobID    string `json:"jobId,omitempty"`
}

// IntentResponse carries a single-use, time-limited write destination
type IntentResponse struct {
	SignedURL     string            `json:"signedUrl"`
	FileID        string            `json:"fileId"`
	ObjectKey     string            `json:"objectKey"`
	Method        string            `json:"method"`
	UploadHeaders map[string]string `json:"uploadHeaders,omitempty"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

// FinalizeRequest is the body of POST /upload/finalize
type FinalizeRequest struct {
	ObjectKey     string     `json:"objectKey"`
	JobID         string     `json:"jobId"`
	FileID        string     `json:"fileId,omitempty"`
	RoomTag       string     `json:"roomTag,omitempty"`
	CapturedAt    *time.Time `json:"capturedAt,omitempty"`
	StackID       string     `json:"stackId,omitempty"`
	ExposureIndex *int       `json:"exposureIndex,omitempty"`
	ExposureComp  *float64   `json:"exposureCompensation,omitempty"`
}

// VerifiedFinalize is what the gateway forwards to the backend once the
// object has been seen in storage.
type VerifiedFinalize struct {
	FinalizeRequest
	OwnerID    string    `json:"ownerId"`
	ObjectSize int64     `json:"objectSize"`
	ETag       string    `json:"etag,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// FinalizeResponse is the backend's registration result
type FinalizeResponse struct {
	FileID string `json:"fileId"`
	Status string `json:"status"`
}

// ErrorResponse is the error body written by the gateway
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
