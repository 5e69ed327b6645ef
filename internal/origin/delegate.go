// Package origin is the HTTP client to the backend job system. It is the sole
// handler in proxy mode and the registration step of a native finalize.
package origin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/rs/zerolog/log"
)

// ServiceTokenHeader carries the gateway's credential to the backend
const ServiceTokenHeader = "X-Gateway-Token"

// maxResponseBytes bounds how much of a backend response is buffered for relay
const maxResponseBytes = 8 << 20

// Request is a call to be forwarded to the backend
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Response is the backend's answer, buffered for verbatim relay
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Forwarder sends requests to the backend
type Forwarder interface {
	Forward(ctx context.Context, req Request) (*Response, error)
}

// Delegate forwards requests to the configured backend base URL. Requests
// are sent exactly once; retrying is the caller's decision.
type Delegate struct {
	baseURL      string
	serviceToken string
	client       *http.Client
}

// NewDelegate creates a delegate from configuration
func NewDelegate(cfg *config.OriginConfig) *Delegate {
	return NewDelegateWithClient(cfg, &http.Client{Timeout: cfg.Timeout})
}

// NewDelegateWithClient creates a delegate using the given HTTP client
func NewDelegateWithClient(cfg *config.OriginConfig, client *http.Client) *Delegate {
	return &Delegate{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		serviceToken: cfg.ServiceToken,
		client:       client,
	}
}

// Forward sends req to the backend and buffers the response. Any status,
// including 5xx, is a successful Forward; an error means the backend could
// not be reached or its response could not be read.
func (d *Delegate) Forward(ctx context.Context, req Request) (*Response, error) {
	if d.baseURL == "" {
		return nil, fmt.Errorf("origin base URL is not configured")
	}

	startTime := time.Now()
	url := d.baseURL + "/" + strings.TrimLeft(req.Path, "/")

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build origin request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if d.serviceToken != "" {
		httpReq.Header.Set(ServiceTokenHeader, d.serviceToken)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		log.Error().Err(err).Str("method", req.Method).Str("path", req.Path).Msg("origin request failed")
		return nil, fmt.Errorf("origin request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read origin response: %w", err)
	}

	log.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(startTime)).
		Msg("origin responded")

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   data,
	}, nil
}
