package middleware

import (
	"context"
	"net/http"

	"github.com/lgulliver/darkroom/pkg/types"
)

// IdentityResolver defines the contract for credential resolution
type IdentityResolver interface {
	Resolve(ctx context.Context, req *http.Request) (*types.Identity, error)
}
