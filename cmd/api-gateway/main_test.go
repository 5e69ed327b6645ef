package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/darkroom/internal/common"
	"github.com/lgulliver/darkroom/internal/identity"
	"github.com/lgulliver/darkroom/internal/metrics"
	"github.com/lgulliver/darkroom/internal/origin"
	"github.com/lgulliver/darkroom/internal/ratelimit"
	"github.com/lgulliver/darkroom/internal/storage"
	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/lgulliver/darkroom/pkg/types"
	"github.com/lgulliver/darkroom/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testServer struct {
	router        *gin.Engine
	cfg           *config.Config
	store         *storage.LocalStorage
	finalizeCalls *int32
	intentCalls   *int32
}

func testConfig(t *testing.T, originURL string) *config.Config {
	cfg := config.LoadFromEnv()
	cfg.Server.PublicURL = "http://gateway.test"
	cfg.Storage = config.StorageConfig{Type: "local", LocalPath: t.TempDir(), SigningKey: "test-signing-key"}
	cfg.Auth = config.AuthConfig{
		SessionCookie:     "darkroom_session",
		SessionSecret:     "test-secret-key-for-testing-purposes",
		DeviceTokenHeader: "X-Device-Token",
	}
	cfg.Routing = config.RoutingConfig{
		NativeEnabled:       true,
		OverrideHeader:      "X-Upload-Route",
		ClientVersionHeader: "X-Client-Version",
	}
	cfg.Origin = config.OriginConfig{BaseURL: originURL, Timeout: 2 * time.Second, ServiceToken: "svc"}
	cfg.RateLimit = config.RateLimitConfig{}
	return cfg
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter) *testServer {
	gin.SetMode(gin.TestMode)

	var intentCalls, finalizeCalls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-Internal-Shard", "7")
		switch r.URL.Path {
		case "/upload/intent":
			atomic.AddInt32(&intentCalls, 1)
			fmt.Fprint(w, `{"signedUrl":"https://legacy.example/put","fileId":"legacy-1","objectKey":"legacy/key","method":"PUT","expiresAt":"2026-03-01T12:00:00Z"}`)
		case "/upload/finalize":
			atomic.AddInt32(&finalizeCalls, 1)
			var req types.VerifiedFinalize
			_ = json.NewDecoder(r.Body).Decode(&req)
			fmt.Fprintf(w, `{"fileId":"durable-%s","status":"uploaded"}`, req.JobID)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(backend.Close)

	cfg := testConfig(t, backend.URL)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	database := &common.Database{DB: db}
	require.NoError(t, database.Migrate())

	store, err := storage.NewLocalStorage(cfg.Storage.LocalPath, cfg.Server.PublicURL, cfg.Storage.SigningKey)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	deps := &dependencies{
		resolver:  identity.NewResolver(identity.NewGormDeviceTokenStore(database), nil, 0, &cfg.Auth),
		store:     store,
		forwarder: origin.NewDelegate(&cfg.Origin),
		limiter:   limiter,
		metrics:   metrics.MustNewGateway(reg),
		gatherer:  reg,
		checks:    map[string]dependencyCheck{},
	}

	router, err := setupRouter(cfg, deps)
	require.NoError(t, err)

	return &testServer{router: router, cfg: cfg, store: store, finalizeCalls: &finalizeCalls, intentCalls: &intentCalls}
}

func (s *testServer) post(t *testing.T, path, mode string, authenticated bool, body interface{}) *httptest.ResponseRecorder {
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if mode != "" {
		req.Header.Set("X-Upload-Route", mode)
	}
	if authenticated {
		token, err := utils.GenerateSessionToken("agent-7", "agent", s.cfg.Auth.SessionSecret, time.Hour)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: s.cfg.Auth.SessionCookie, Value: token})
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) putSigned(t *testing.T, signedURL, contentType string, body []byte) *httptest.ResponseRecorder {
	parsed, err := url.Parse(signedURL)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, parsed.RequestURI(), bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestEndToEnd_FinalizeWithoutUploadIsRejected(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.post(t, "/upload/intent", "native", true, types.IntentRequest{
		Filename: "living-room.jpg", MimeType: "image/jpeg", FileSize: 1024, JobID: "job-1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var intent types.IntentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &intent))
	assert.Regexp(t, `^https?://`, intent.SignedURL)
	assert.NotEmpty(t, intent.FileID)

	w = s.post(t, "/upload/finalize", "native", true, types.FinalizeRequest{ObjectKey: intent.ObjectKey, JobID: "job-1"})

	assert.Equal(t, http.StatusConflict, w.Code)
	var body types.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Regexp(t, `(?i)not found|verification failed`, body.Error)
	assert.Equal(t, int32(0), atomic.LoadInt32(s.finalizeCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(s.intentCalls))
}

func TestEndToEnd_NativeUpload(t *testing.T) {
	s := newTestServer(t, nil)
	payload := []byte("raw exposure bytes")

	w := s.post(t, "/upload/intent", "canary", true, types.IntentRequest{
		Filename: "kitchen.jpg", MimeType: "image/jpeg", FileSize: int64(len(payload)), JobID: "job-2",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var intent types.IntentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &intent))

	put := s.putSigned(t, intent.SignedURL, intent.UploadHeaders["Content-Type"], payload)
	require.Equal(t, http.StatusOK, put.Code, put.Body.String())

	again := s.putSigned(t, intent.SignedURL, "image/jpeg", payload)
	assert.Equal(t, http.StatusConflict, again.Code, "a destination is single use")

	w = s.post(t, "/upload/finalize", "canary", true, types.FinalizeRequest{ObjectKey: intent.ObjectKey, JobID: "job-2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"fileId":"durable-job-2","status":"uploaded"}`, w.Body.String())
	assert.Empty(t, w.Header().Get("X-Internal-Shard"))
	assert.Equal(t, int32(1), atomic.LoadInt32(s.finalizeCalls))
}

func TestEndToEnd_ProxyMode(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.post(t, "/upload/intent", "", true, types.IntentRequest{Filename: "a.jpg", MimeType: "image/jpeg", FileSize: 1})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "legacy-1")
	assert.Empty(t, w.Header().Get("X-Internal-Shard"))
	assert.Equal(t, int32(1), atomic.LoadInt32(s.intentCalls))
}

func TestEndToEnd_UnauthenticatedInBothModes(t *testing.T) {
	s := newTestServer(t, nil)

	for _, mode := range []string{"native", "proxy"} {
		for _, path := range []string{"/upload/intent", "/upload/finalize"} {
			w := s.post(t, path, mode, false, map[string]string{})
			assert.Equal(t, http.StatusUnauthorized, w.Code, mode+" "+path)
		}
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(s.intentCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(s.finalizeCalls))
}

func TestEndToEnd_RateLimited(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryLimiter(60, 1))

	first := s.post(t, "/upload/intent", "native", true, types.IntentRequest{Filename: "a.jpg", MimeType: "image/jpeg", FileSize: 1})
	second := s.post(t, "/upload/intent", "proxy", true, types.IntentRequest{Filename: "a.jpg", MimeType: "image/jpeg", FileSize: 1})

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestLocalStorageUpload_Rejections(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.post(t, "/upload/intent", "native", true, types.IntentRequest{Filename: "a.jpg", MimeType: "image/jpeg", FileSize: 4})
	require.Equal(t, http.StatusOK, w.Code)
	var intent types.IntentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &intent))

	tampered := strings.Replace(intent.SignedURL, "signature=", "signature=00", 1)
	assert.Equal(t, http.StatusForbidden, s.putSigned(t, tampered, "image/jpeg", []byte("data")).Code)

	assert.Equal(t, http.StatusBadRequest, s.putSigned(t, intent.SignedURL, "image/png", []byte("data")).Code)

	// the signed size binds the body length
	oversized := s.putSigned(t, intent.SignedURL, "image/jpeg", []byte("much more than four bytes"))
	assert.Equal(t, http.StatusBadRequest, oversized.Code)
	assert.Contains(t, oversized.Body.String(), "does not match the signed 4")

	resized := strings.Replace(intent.SignedURL, "size=4", "size=25", 1)
	assert.Equal(t, http.StatusForbidden, s.putSigned(t, resized, "image/jpeg", []byte("much more than four bytes")).Code)

	assert.Equal(t, http.StatusOK, s.putSigned(t, intent.SignedURL, "image/jpeg", []byte("data")).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	s.post(t, "/upload/intent", "native", true, types.IntentRequest{Filename: "a.jpg", MimeType: "image/jpeg", FileSize: 1})

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "darkroom_gateway_requests_total")
}

func TestCORS_OnlyAllowedOriginsAreEchoed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t, "http://origin.invalid")
	cfg.Server.CORSAllowedOrigins = []string{"https://app.darkroom.test"}

	router := gin.New()
	router.Use(corsMiddleware(cfg))
	router.POST("/upload/intent", func(c *gin.Context) { c.Status(http.StatusOK) })

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/upload/intent", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := preflight("https://app.darkroom.test")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.darkroom.test", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Device-Token")

	w = preflight("https://evil.test")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

	req := httptest.NewRequest(http.MethodPost, "/upload/intent", nil)
	req.Header.Set("Origin", "https://evil.test")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
