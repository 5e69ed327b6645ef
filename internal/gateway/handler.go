package gateway

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/darkroom/internal/apperr"
	"github.com/lgulliver/darkroom/internal/identity"
	"github.com/lgulliver/darkroom/internal/metrics"
	"github.com/lgulliver/darkroom/pkg/types"
	"github.com/rs/zerolog/log"
)

// ModeContextKey is the gin context key holding the routing mode of a request
const ModeContextKey = "routing_mode"

// maxRequestBody bounds intent and finalize bodies, which are small JSON documents
const maxRequestBody = 1 << 20

type operation func(s Strategy, ctx context.Context, call *Call) (*Reply, error)

// Handler serves the upload endpoints through the strategy pair
type Handler struct {
	selector   *Selector
	strategies Pair
	metrics    *metrics.Gateway
}

// NewHandler creates a handler. m may be nil.
func NewHandler(selector *Selector, strategies Pair, m *metrics.Gateway) *Handler {
	return &Handler{selector: selector, strategies: strategies, metrics: m}
}

// Intent handles POST /upload/intent
func (h *Handler) Intent() gin.HandlerFunc {
	return h.serve("/upload/intent", func(s Strategy, ctx context.Context, call *Call) (*Reply, error) {
		return s.Intent(ctx, call)
	})
}

// Finalize handles POST /upload/finalize
func (h *Handler) Finalize() gin.HandlerFunc {
	return h.serve("/upload/finalize", func(s Strategy, ctx context.Context, call *Call) (*Reply, error) {
		return s.Finalize(ctx, call)
	})
}

func (h *Handler) serve(route string, op operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		decision := h.selector.Decide(c.Request)
		c.Set(ModeContextKey, string(decision.Mode))
		defer func() {
			h.metrics.ObserveRequest(route, string(decision.Mode), c.Writer.Status(), time.Since(startTime))
		}()

		caller, ok := identity.FromContext(c.Request.Context())
		if !ok {
			WriteError(c, apperr.Unauthenticated("authentication required"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
		if err != nil {
			WriteError(c, apperr.InvalidInput("failed to read request body"))
			return
		}
		if len(body) > maxRequestBody {
			WriteError(c, apperr.InvalidInput("request body too large"))
			return
		}

		log.Debug().
			Str("route", route).
			Str("mode", string(decision.Mode)).
			Str("reason", decision.Reason).
			Str("identity", caller.ID).
			Msg("routing decision")

		reply, err := op(h.strategies.For(decision.Mode), c.Request.Context(), &Call{
			Identity: caller,
			Method:   c.Request.Method,
			Path:     c.Request.URL.RequestURI(),
			Header:   c.Request.Header,
			Body:     body,
		})
		if err != nil {
			WriteError(c, err)
			return
		}
		WriteReply(c, reply)
	}
}

// WriteReply relays reply with infrastructure headers removed
func WriteReply(c *gin.Context, reply *Reply) {
	for name, values := range RelayableHeaders(reply.Header) {
		c.Writer.Header()[name] = values
	}
	c.Status(reply.Status)
	if len(reply.Body) > 0 {
		if _, err := c.Writer.Write(reply.Body); err != nil {
			log.Warn().Err(err).Msg("failed to write response body")
		}
	}
}

// WriteError writes err as a JSON error body with the status of its kind
// and aborts the chain
func WriteError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal("internal error", err)
	}

	status := appErr.Status()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Int("status", status).Msg("request failed")
	}
	if appErr.Kind == apperr.KindRateLimited && appErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(appErr.RetryAfter.Seconds()))))
	}

	c.AbortWithStatusJSON(status, types.ErrorResponse{
		Error: appErr.Message,
		Code:  string(appErr.Kind),
	})
}
