package storage

import (
	"context"
	"errors"
	"time"
)

// ErrObjectExists is returned when a write targets a key that already holds an object
var ErrObjectExists = errors.New("object already exists")

// ErrObjectTooLarge is returned when an upload body exceeds the configured ceiling
var ErrObjectTooLarge = errors.New("object too large")

// ObjectInfo describes an object confirmed to exist in storage
type ObjectInfo struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	ETag       string    `json:"etag"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// PresignedUpload is a single-use, time-boxed write destination
type PresignedUpload struct {
	URL       string
	Method    string
	Headers   map[string]string
	ExpiresAt time.Time
}

// Inspector looks up object existence and metadata
type Inspector interface {
	// Inspect returns the object's metadata, or nil when the key is absent
	Inspect(ctx context.Context, key string) (*ObjectInfo, error)
}

// Presigner issues direct-to-storage upload destinations
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, size int64, ttl time.Duration) (*PresignedUpload, error)
}

// ObjectStore is what the gateway needs from an object storage backend
type ObjectStore interface {
	Inspector
	Presigner
}
