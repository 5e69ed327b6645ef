// Package gateway routes upload requests to either the native handlers or
// the backend. Both paths implement Strategy, so callers cannot tell them
// apart beyond what the backend itself returns.
package gateway

import (
	"net/http"
	"strings"

	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/lgulliver/darkroom/pkg/utils"
)

// Mode is where a request is handled
type Mode string

const (
	ModeNative Mode = "native"
	ModeProxy  Mode = "proxy"
)

// Decision records the chosen mode and why
type Decision struct {
	Mode   Mode
	Reason string
}

// Selector decides the routing mode per request
type Selector struct {
	nativeEnabled  bool
	overrideHeader string
	versionHeader  string
	gate           *utils.VersionGate
}

// NewSelector creates a selector from configuration
func NewSelector(cfg *config.RoutingConfig) (*Selector, error) {
	gate, err := utils.NewVersionGate(cfg.NativeMinClientVersion)
	if err != nil {
		return nil, err
	}

	overrideHeader := cfg.OverrideHeader
	if overrideHeader == "" {
		overrideHeader = "X-Upload-Route"
	}
	versionHeader := cfg.ClientVersionHeader
	if versionHeader == "" {
		versionHeader = "X-Client-Version"
	}

	return &Selector{
		nativeEnabled:  cfg.NativeEnabled,
		overrideHeader: overrideHeader,
		versionHeader:  versionHeader,
		gate:           gate,
	}, nil
}

// Decide picks the mode for r. Proxy is the default; native requires the
// deployment flag, an explicit override and, when configured, a client
// version inside the constraint.
func (s *Selector) Decide(r *http.Request) Decision {
	if !s.nativeEnabled {
		return Decision{Mode: ModeProxy, Reason: "native disabled"}
	}

	switch strings.ToLower(strings.TrimSpace(r.Header.Get(s.overrideHeader))) {
	case "":
		return Decision{Mode: ModeProxy, Reason: "no override"}
	case "native", "canary":
	case "proxy":
		return Decision{Mode: ModeProxy, Reason: "override requested proxy"}
	default:
		return Decision{Mode: ModeProxy, Reason: "unrecognized override"}
	}

	if s.gate.Enabled() && !s.gate.Admits(r.Header.Get(s.versionHeader)) {
		return Decision{Mode: ModeProxy, Reason: "client version outside " + s.gate.String()}
	}

	return Decision{Mode: ModeNative, Reason: "override requested native"}
}

// OverrideHeader is the request header carrying the per-request override
func (s *Selector) OverrideHeader() string {
	return s.overrideHeader
}
