package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lgulliver/darkroom/pkg/utils"
	"github.com/rs/zerolog/log"
)

// LocalStorage implements ObjectStore on the local filesystem. Presigned
// URLs point at the gateway's own PUT /storage endpoint and carry an HMAC
// signature over key, content type, size and expiry.
type LocalStorage struct {
	basePath   string
	publicURL  string
	signingKey string
	now        func() time.Time
	mutex      sync.RWMutex
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath, publicURL, signingKey string) (*LocalStorage, error) {
	// Ensure the base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{
		basePath:   basePath,
		publicURL:  strings.TrimRight(publicURL, "/"),
		signingKey: signingKey,
		now:        time.Now,
	}, nil
}

// PresignPut returns a signed URL for the local upload endpoint
func (ls *LocalStorage) PresignPut(ctx context.Context, key, contentType string, size int64, ttl time.Duration) (*PresignedUpload, error) {
	if _, err := ls.resolve(key); err != nil {
		return nil, err
	}

	expiresAt := ls.now().Add(ttl).UTC().Truncate(time.Second)
	expires := strconv.FormatInt(expiresAt.Unix(), 10)

	signedSize := strconv.FormatInt(size, 10)

	query := url.Values{}
	query.Set("expires", expires)
	query.Set("contentType", contentType)
	query.Set("size", signedSize)
	query.Set("signature", utils.SignValue(ls.signingKey, signingPayload(key, contentType, signedSize, expires)))

	return &PresignedUpload{
		URL:       fmt.Sprintf("%s/storage/%s?%s", ls.publicURL, escapeKey(key), query.Encode()),
		Method:    "PUT",
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyUpload checks a presigned URL's signature and expiry and returns
// the signed object size
func (ls *LocalStorage) VerifyUpload(key, contentType, size, expires, signature string) (int64, error) {
	expiresUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expiry")
	}
	signedSize, err := strconv.ParseInt(size, 10, 64)
	if err != nil || signedSize < 0 {
		return 0, fmt.Errorf("invalid size")
	}
	if !utils.VerifySignature(ls.signingKey, signingPayload(key, contentType, size, expires), signature) {
		return 0, fmt.Errorf("invalid signature")
	}
	if ls.now().Unix() > expiresUnix {
		return 0, fmt.Errorf("upload URL expired")
	}
	return signedSize, nil
}

// StoreOnce writes content to key unless an object is already there, so a
// presigned destination can only be used once
func (ls *LocalStorage) StoreOnce(ctx context.Context, key string, content io.Reader, maxSize int64) (*ObjectInfo, error) {
	startTime := time.Now()

	// Check if context is cancelled before starting
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath, err := ls.resolve(key)
	if err != nil {
		return nil, err
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if _, err := os.Stat(fullPath); err == nil {
		return nil, ErrObjectExists
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Str("key", key).Str("dir", dir).Msg("failed to create directory")
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Create temporary file for atomic write
	tempPath := fullPath + ".tmp." + strconv.FormatInt(time.Now().UnixNano(), 10)
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to create temporary file")
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}

	// Ensure cleanup of temp file on failure
	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	reader := content
	if maxSize > 0 {
		reader = io.LimitReader(content, maxSize+1)
	}

	bytesWritten, err := io.Copy(io.MultiWriter(tempFile, hasher), reader)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to write content to temporary file")
		return nil, fmt.Errorf("failed to write content: %w", err)
	}
	if maxSize > 0 && bytesWritten > maxSize {
		return nil, fmt.Errorf("%w: limit is %s", ErrObjectTooLarge, utils.FormatBytes(maxSize))
	}

	if err := tempFile.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync temporary file: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, fullPath); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to move temporary file to final location")
		return nil, fmt.Errorf("failed to move file to final location: %w", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	log.Info().
		Str("key", key).
		Int64("bytes_written", bytesWritten).
		Str("checksum", checksum).
		Dur("duration", time.Since(startTime)).
		Msg("object stored")

	return &ObjectInfo{Key: key, Size: bytesWritten, ETag: checksum, UploadedAt: ls.now().UTC()}, nil
}

// Inspect returns metadata for key, or nil if it does not exist
func (ls *LocalStorage) Inspect(ctx context.Context, key string) (*ObjectInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath, err := ls.resolve(key)
	if err != nil {
		return nil, nil
	}

	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("key", key).Msg("object not found")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	if info.IsDir() {
		return nil, nil
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("failed to hash object: %w", err)
	}

	return &ObjectInfo{
		Key:        key,
		Size:       info.Size(),
		ETag:       hex.EncodeToString(hasher.Sum(nil)),
		UploadedAt: info.ModTime().UTC(),
	}, nil
}

// Delete removes an object; deleting a missing object is not an error
func (ls *LocalStorage) Delete(ctx context.Context, key string) error {
	fullPath, err := ls.resolve(key)
	if err != nil {
		return err
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// resolve maps key to a path under basePath, rejecting traversal
func (ls *LocalStorage) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("invalid object key: %q", key)
		}
	}
	return filepath.Join(ls.basePath, filepath.FromSlash(key)), nil
}

func signingPayload(key, contentType, size, expires string) string {
	return key + "|" + contentType + "|" + size + "|" + expires
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
