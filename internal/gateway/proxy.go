package gateway

import (
	"context"

	"github.com/lgulliver/darkroom/internal/apperr"
	"github.com/lgulliver/darkroom/internal/origin"
	"github.com/rs/zerolog/log"
)

// Proxy forwards both operations to the backend unchanged
type Proxy struct {
	origin        origin.Forwarder
	extraForwards []string
}

// NewProxy creates the proxy strategy
func NewProxy(forwarder origin.Forwarder, extraForwards ...string) *Proxy {
	return &Proxy{origin: forwarder, extraForwards: extraForwards}
}

func (p *Proxy) Intent(ctx context.Context, call *Call) (*Reply, error) {
	return p.forward(ctx, call)
}

func (p *Proxy) Finalize(ctx context.Context, call *Call) (*Reply, error) {
	return p.forward(ctx, call)
}

func (p *Proxy) forward(ctx context.Context, call *Call) (*Reply, error) {
	resp, err := p.origin.Forward(ctx, origin.Request{
		Method: call.Method,
		Path:   call.Path,
		Header: ForwardableHeaders(call.Header, p.extraForwards...),
		Body:   call.Body,
	})
	if err != nil {
		log.Error().Err(err).Str("path", call.Path).Msg("proxy forward failed")
		return nil, apperr.Upstream("backend unavailable", err)
	}
	return &Reply{Status: resp.Status, Header: resp.Header, Body: resp.Body}, nil
}
