package identity

import (
	"context"

	"github.com/lgulliver/darkroom/pkg/types"
)

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying identity
func WithIdentity(ctx context.Context, identity *types.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// FromContext returns the identity stored in ctx, if any
func FromContext(ctx context.Context) (*types.Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(*types.Identity)
	return identity, ok && identity != nil
}
