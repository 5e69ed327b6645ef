package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/lgulliver/darkroom/internal/apperr"
	"github.com/lgulliver/darkroom/internal/metrics"
	"github.com/lgulliver/darkroom/internal/origin"
	"github.com/lgulliver/darkroom/internal/storage"
	"github.com/lgulliver/darkroom/pkg/types"
	"github.com/rs/zerolog/log"
)

// FinalizePath is the backend route that registers an uploaded file
const FinalizePath = "/upload/finalize"

// FinalizeVerifier refuses to register files that are not in storage
type FinalizeVerifier struct {
	inspector storage.Inspector
	origin    origin.Forwarder
	metrics   *metrics.Gateway
	now       func() time.Time
}

// NewFinalizeVerifier creates a verifier. m may be nil.
func NewFinalizeVerifier(inspector storage.Inspector, forwarder origin.Forwarder, m *metrics.Gateway) *FinalizeVerifier {
	return &FinalizeVerifier{
		inspector: inspector,
		origin:    forwarder,
		metrics:   m,
		now:       time.Now,
	}
}

// Finalize inspects storage for the object and, only when it is present,
// forwards the registration to the backend exactly once. The backend's
// response is returned as-is, whatever its status. header holds the caller
// headers that may be forwarded.
func (v *FinalizeVerifier) Finalize(ctx context.Context, identity *types.Identity, req types.FinalizeRequest, header http.Header) (*origin.Response, error) {
	if identity == nil || identity.ID == "" {
		return nil, apperr.Unauthenticated("authentication required")
	}

	req.ObjectKey = strings.TrimSpace(req.ObjectKey)
	req.JobID = strings.TrimSpace(req.JobID)
	var missing []string
	if req.ObjectKey == "" {
		missing = append(missing, "objectKey")
	}
	if req.JobID == "" {
		missing = append(missing, "jobId")
	}
	if len(missing) > 0 {
		return nil, apperr.InvalidInput("missing required fields: %s", strings.Join(missing, ", "))
	}

	// Keys outside the caller's prefix are reported exactly like absent ones.
	if !strings.HasPrefix(req.ObjectKey, OwnerPrefix(identity.ID)) {
		log.Warn().Str("identity", identity.ID).Str("object_key", req.ObjectKey).Msg("finalize for foreign object key")
		v.metrics.ObserveVerification(metrics.OutcomeAbsent)
		return nil, apperr.VerificationFailed("verification failed: object not found")
	}

	info, err := v.inspector.Inspect(ctx, req.ObjectKey)
	if err != nil {
		v.metrics.ObserveVerification(metrics.OutcomeError)
		log.Error().Err(err).Str("object_key", req.ObjectKey).Msg("storage lookup failed")
		return nil, apperr.Upstream("storage lookup failed", err)
	}
	if info == nil {
		v.metrics.ObserveVerification(metrics.OutcomeAbsent)
		log.Info().Str("object_key", req.ObjectKey).Str("job_id", req.JobID).Msg("finalize rejected: object not in storage")
		return nil, apperr.VerificationFailed("verification failed: object not found")
	}
	v.metrics.ObserveVerification(metrics.OutcomePresent)

	body, err := json.Marshal(types.VerifiedFinalize{
		FinalizeRequest: req,
		OwnerID:         identity.ID,
		ObjectSize:      info.Size,
		ETag:            info.ETag,
		VerifiedAt:      v.now().UTC(),
	})
	if err != nil {
		return nil, apperr.Internal("failed to encode finalize payload", err)
	}

	forwardHeader := header.Clone()
	if forwardHeader == nil {
		forwardHeader = http.Header{}
	}
	forwardHeader.Set("Content-Type", "application/json")

	resp, err := v.origin.Forward(ctx, origin.Request{
		Method: http.MethodPost,
		Path:   FinalizePath,
		Header: forwardHeader,
		Body:   body,
	})
	if err != nil {
		return nil, apperr.Upstream("backend unavailable", err)
	}

	log.Info().
		Str("identity", identity.ID).
		Str("object_key", req.ObjectKey).
		Str("job_id", req.JobID).
		Int("origin_status", resp.Status).
		Msg("finalize forwarded")

	return resp, nil
}
