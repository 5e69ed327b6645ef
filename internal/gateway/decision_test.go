package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelector_Decide(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		constraint string
		override   string
		version    string
		want       Mode
	}{
		{name: "disabled without override", want: ModeProxy},
		{name: "disabled ignores override", override: "native", want: ModeProxy},
		{name: "enabled without override", enabled: true, want: ModeProxy},
		{name: "enabled native override", enabled: true, override: "native", want: ModeNative},
		{name: "enabled canary override", enabled: true, override: "Canary", want: ModeNative},
		{name: "enabled proxy override", enabled: true, override: "proxy", want: ModeProxy},
		{name: "unknown override", enabled: true, override: "fast", want: ModeProxy},
		{name: "version admitted", enabled: true, constraint: ">= 2.4.0", override: "native", version: "2.5.1", want: ModeNative},
		{name: "version too old", enabled: true, constraint: ">= 2.4.0", override: "native", version: "2.3.9", want: ModeProxy},
		{name: "version missing", enabled: true, constraint: ">= 2.4.0", override: "native", want: ModeProxy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selector, err := NewSelector(&config.RoutingConfig{
				NativeEnabled:          tt.enabled,
				NativeMinClientVersion: tt.constraint,
			})
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodPost, "/upload/intent", nil)
			if tt.override != "" {
				req.Header.Set("X-Upload-Route", tt.override)
			}
			if tt.version != "" {
				req.Header.Set("X-Client-Version", tt.version)
			}

			decision := selector.Decide(req)
			assert.Equal(t, tt.want, decision.Mode)
			assert.NotEmpty(t, decision.Reason)
		})
	}
}

func TestSelector_CustomOverrideHeader(t *testing.T) {
	selector, err := NewSelector(&config.RoutingConfig{NativeEnabled: true, OverrideHeader: "X-Route"})
	require.NoError(t, err)
	assert.Equal(t, "X-Route", selector.OverrideHeader())

	req := httptest.NewRequest(http.MethodPost, "/upload/intent", nil)
	req.Header.Set("X-Route", "native")
	assert.Equal(t, ModeNative, selector.Decide(req).Mode)
}

func TestNewSelector_InvalidConstraint(t *testing.T) {
	_, err := NewSelector(&config.RoutingConfig{NativeMinClientVersion: "not a constraint"})
	assert.Error(t, err)
}

func TestPair_For(t *testing.T) {
	native := &Native{}
	proxy := &Proxy{}
	pair := Pair{Native: native, Proxy: proxy}

	assert.Same(t, native, pair.For(ModeNative))
	assert.Same(t, proxy, pair.For(ModeProxy))
	assert.Same(t, proxy, pair.For(Mode("")))
}
