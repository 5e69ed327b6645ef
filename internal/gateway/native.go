package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/lgulliver/darkroom/internal/apperr"
	"github.com/lgulliver/darkroom/internal/upload"
	"github.com/lgulliver/darkroom/pkg/types"
)

const jsonContentType = "application/json; charset=utf-8"

// Native issues intents locally and verifies finalizes against storage
// before registering them with the backend
type Native struct {
	issuer        *upload.IntentIssuer
	verifier      *upload.FinalizeVerifier
	extraForwards []string
}

// NewNative creates the native strategy. extraForwards names request
// headers, beyond the default set, that the finalize may pass to the backend.
func NewNative(issuer *upload.IntentIssuer, verifier *upload.FinalizeVerifier, extraForwards ...string) *Native {
	return &Native{issuer: issuer, verifier: verifier, extraForwards: extraForwards}
}

func (n *Native) Intent(ctx context.Context, call *Call) (*Reply, error) {
	var req types.IntentRequest
	if err := decodeBody(call.Body, &req); err != nil {
		return nil, err
	}

	resp, err := n.issuer.Issue(ctx, call.Identity, req)
	if err != nil {
		return nil, err
	}
	return jsonReply(http.StatusOK, resp)
}

func (n *Native) Finalize(ctx context.Context, call *Call) (*Reply, error) {
	var req types.FinalizeRequest
	if err := decodeBody(call.Body, &req); err != nil {
		return nil, err
	}

	resp, err := n.verifier.Finalize(ctx, call.Identity, req, ForwardableHeaders(call.Header, n.extraForwards...))
	if err != nil {
		return nil, err
	}
	return &Reply{Status: resp.Status, Header: resp.Header, Body: resp.Body}, nil
}

func decodeBody(body []byte, dest interface{}) error {
	if len(body) == 0 {
		return apperr.InvalidInput("request body is required")
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return apperr.InvalidInput("invalid request body: %v", err)
	}
	return nil
}

func jsonReply(status int, v interface{}) (*Reply, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Internal("failed to encode response", err)
	}
	return &Reply{
		Status: status,
		Header: http.Header{"Content-Type": []string{jsonContentType}},
		Body:   body,
	}, nil
}
