package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]string
	heads   int
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/darkroom-test/")
	switch r.Method {
	case http.MethodHead:
		f.heads++
		etag, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"`+etag+`"`)
		w.Header().Set("Content-Length", "2048")
		w.Header().Set("Last-Modified", "Sun, 01 Mar 2026 12:00:00 GMT")
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Storage(t *testing.T, handler http.Handler) *S3Storage {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store, err := NewS3Storage(context.Background(), &config.StorageConfig{
		Type:         "s3",
		Bucket:       "darkroom-test",
		Region:       "us-east-1",
		Endpoint:     server.URL,
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	return store
}

func TestS3Storage_Inspect(t *testing.T) {
	bucket := &fakeBucket{objects: map[string]string{"uploads/u1/present.jpg": "abc123"}}
	store := newTestS3Storage(t, bucket)

	info, err := store.Inspect(context.Background(), "uploads/u1/present.jpg")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "uploads/u1/present.jpg", info.Key)
	assert.Equal(t, int64(2048), info.Size)
	assert.Equal(t, "abc123", info.ETag)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), info.UploadedAt)
}

func TestS3Storage_Inspect_NotFound(t *testing.T) {
	bucket := &fakeBucket{objects: map[string]string{}}
	store := newTestS3Storage(t, bucket)

	info, err := store.Inspect(context.Background(), "uploads/u1/missing.jpg")

	assert.NoError(t, err)
	assert.Nil(t, info)
	assert.Equal(t, 1, bucket.heads)
}

func TestS3Storage_Inspect_ForbiddenIsError(t *testing.T) {
	store := newTestS3Storage(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	info, err := store.Inspect(context.Background(), "uploads/u1/x.jpg")

	assert.Error(t, err)
	assert.Nil(t, info)
}

func TestS3Storage_PresignPut(t *testing.T) {
	store := newTestS3Storage(t, &fakeBucket{})

	upload, err := store.PresignPut(context.Background(), "uploads/u1/job/f.jpg", "image/jpeg", 4096, 10*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, upload.Method)
	assert.Regexp(t, `^https?://`, upload.URL)
	assert.Equal(t, "image/jpeg", upload.Headers["Content-Type"])
	assert.NotContains(t, upload.Headers, "Host")
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), upload.ExpiresAt, 5*time.Second)

	parsed, err := url.Parse(upload.URL)
	require.NoError(t, err)
	assert.Equal(t, "/darkroom-test/uploads/u1/job/f.jpg", parsed.Path)
	assert.Equal(t, "600", parsed.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, parsed.Query().Get("X-Amz-Signature"))
}
