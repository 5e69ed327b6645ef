package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/lgulliver/darkroom/pkg/types"
	"github.com/rs/zerolog/log"
)

// maxErrorBody bounds how much of a failed response is read for its message
const maxErrorBody = 64 << 10

// Gateway is the upload API the orchestrator talks to
type Gateway interface {
	Intent(ctx context.Context, req types.IntentRequest) (*types.IntentResponse, error)
	Put(ctx context.Context, intent *types.IntentResponse, payload *Payload) error
	Finalize(ctx context.Context, req types.FinalizeRequest) (*types.FinalizeResponse, error)
}

// StatusError is a non-success response from the gateway or storage
type StatusError struct {
	Operation  string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s failed with status %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed with status %d", e.Operation, e.StatusCode)
}

// ClientConfig configures the gateway client
type ClientConfig struct {
	BaseURL           string
	SessionCookie     string
	SessionToken      string
	DeviceTokenHeader string
	DeviceToken       string
	RouteHeader       string
	Route             string
	VersionHeader     string
	ClientVersion     string
	Timeout           time.Duration
	// RateLimitRetries is how many 429 responses are waited out per request
	RateLimitRetries int
}

// Client calls the upload gateway and the signed storage URLs it issues
type Client struct {
	httpClient *retryablehttp.Client
	config     ClientConfig
}

// NewClient creates a gateway client. The only automatic retry is a 429,
// which waits for Retry-After; every other failure is returned to the
// caller's retry policy.
func NewClient(cfg ClientConfig) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.HTTPClient.Timeout = cfg.Timeout
	httpClient.RetryMax = cfg.RateLimitRetries
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 30 * time.Second
	httpClient.CheckRetry = retryRateLimited
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	httpClient.Logger = leveledLogger{}

	return &Client{httpClient: httpClient, config: cfg}
}

// NewClientWithHTTP creates a client over an existing retryablehttp client
func NewClientWithHTTP(httpClient *retryablehttp.Client, cfg ClientConfig) *Client {
	return &Client{httpClient: httpClient, config: cfg}
}

func retryRateLimited(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return false, nil
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// Intent asks the gateway for an upload destination
func (c *Client) Intent(ctx context.Context, req types.IntentRequest) (*types.IntentResponse, error) {
	var intent types.IntentResponse
	if err := c.postJSON(ctx, "intent", "/upload/intent", req, &intent); err != nil {
		return nil, err
	}
	if intent.SignedURL == "" {
		return nil, fmt.Errorf("intent response has no signedUrl")
	}
	return &intent, nil
}

// Finalize asks the gateway to register an uploaded object
func (c *Client) Finalize(ctx context.Context, req types.FinalizeRequest) (*types.FinalizeResponse, error) {
	var result types.FinalizeResponse
	if err := c.postJSON(ctx, "finalize", "/upload/finalize", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Put writes the payload to the signed destination. Gateway credentials
// are never sent to storage.
func (c *Client) Put(ctx context.Context, intent *types.IntentResponse, payload *Payload) error {
	method := intent.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, intent.SignedURL, payload.Data)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", payload.ContentType)
	for k, v := range intent.UploadHeaders {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(payload.Data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("upload", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) postJSON(ctx context.Context, operation, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", operation, err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authenticate(req.Request)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusError(operation, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) authenticate(req *http.Request) {
	if c.config.SessionToken != "" {
		req.AddCookie(&http.Cookie{Name: c.config.SessionCookie, Value: c.config.SessionToken})
	}
	if c.config.DeviceToken != "" {
		req.Header.Set(c.config.DeviceTokenHeader, c.config.DeviceToken)
	}
	if c.config.Route != "" && c.config.RouteHeader != "" {
		req.Header.Set(c.config.RouteHeader, c.config.Route)
	}
	if c.config.ClientVersion != "" && c.config.VersionHeader != "" {
		req.Header.Set(c.config.VersionHeader, c.config.ClientVersion)
	}
}

func statusError(operation string, resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	message := strings.TrimSpace(string(raw))
	var body types.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		message = body.Error
	}

	var retryAfter time.Duration
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		retryAfter = time.Duration(secs) * time.Second
	}

	return &StatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close response body")
	}
}

// leveledLogger routes retryablehttp's logs through zerolog
type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	log.Error().Fields(keysAndValues).Msg(msg)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Info().Fields(keysAndValues).Msg(msg)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.Warn().Fields(keysAndValues).Msg(msg)
}
