package gateway

import (
	"context"
	"net/http"

	"github.com/lgulliver/darkroom/pkg/types"
)

// Call is an upload request after identity resolution
type Call struct {
	Identity *types.Identity
	Method   string
	Path     string
	Header   http.Header
	Body     []byte
}

// Reply is what is written back to the caller
type Reply struct {
	Status int
	Header http.Header
	Body   []byte
}

// Strategy handles the two upload operations
type Strategy interface {
	Intent(ctx context.Context, call *Call) (*Reply, error)
	Finalize(ctx context.Context, call *Call) (*Reply, error)
}

// Pair holds the native and proxy strategies
type Pair struct {
	Native Strategy
	Proxy  Strategy
}

// For returns the strategy for mode
func (p Pair) For(mode Mode) Strategy {
	if mode == ModeNative {
		return p.Native
	}
	return p.Proxy
}
