package storage

import (
	"context"
	"fmt"

	"github.com/lgulliver/darkroom/pkg/config"
)

// StorageFactory creates storage instances based on configuration
type StorageFactory struct {
	config    *config.StorageConfig
	publicURL string
}

// NewStorageFactory creates a new storage factory. publicURL is the gateway's
// externally reachable base URL, used by the local backend's signed URLs.
func NewStorageFactory(config *config.StorageConfig, publicURL string) *StorageFactory {
	return &StorageFactory{config: config, publicURL: publicURL}
}

// CreateStorage creates a storage instance based on the configured type
func (sf *StorageFactory) CreateStorage(ctx context.Context) (ObjectStore, error) {
	switch sf.config.Type {
	case "local":
		return NewLocalStorage(sf.config.LocalPath, sf.publicURL, sf.config.SigningKey)
	case "s3":
		return NewS3Storage(ctx, sf.config)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}
