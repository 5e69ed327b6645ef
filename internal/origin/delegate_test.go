package origin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelegate_Forward(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/upload/finalize", r.URL.Path)
		assert.Equal(t, "svc-token", r.Header.Get(ServiceTokenHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"objectKey":"k"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Internal-Trace", "secret")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"fileId":"f1","status":"uploaded"}`))
	}))
	defer server.Close()

	d := NewDelegate(&config.OriginConfig{BaseURL: server.URL + "/", Timeout: time.Second, ServiceToken: "svc-token"})

	resp, err := d.Forward(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/upload/finalize",
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"objectKey":"k"}`),
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"fileId":"f1","status":"uploaded"}`, string(resp.Body))
	assert.Equal(t, "secret", resp.Header.Get("X-Internal-Trace"), "delegate returns raw headers; filtering happens on relay")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDelegate_Forward_ServerErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"backend down"}`))
	}))
	defer server.Close()

	d := NewDelegate(&config.OriginConfig{BaseURL: server.URL, Timeout: time.Second})

	resp, err := d.Forward(context.Background(), Request{Method: http.MethodPost, Path: "upload/intent"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, `{"error":"backend down"}`, string(resp.Body))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDelegate_Forward_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	d := NewDelegate(&config.OriginConfig{BaseURL: url, Timeout: time.Second})

	resp, err := d.Forward(context.Background(), Request{Method: http.MethodPost, Path: "/upload/finalize"})

	assert.Error(t, err)
	assert.Nil(t, resp)
}

func TestDelegate_Forward_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	d := NewDelegate(&config.OriginConfig{BaseURL: server.URL, Timeout: 20 * time.Millisecond})

	_, err := d.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/slow"})

	assert.Error(t, err)
}

func TestDelegate_Forward_NotConfigured(t *testing.T) {
	d := NewDelegate(&config.OriginConfig{})

	_, err := d.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/"})

	assert.ErrorContains(t, err, "not configured")
}
