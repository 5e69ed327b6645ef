package gateway

import (
	"net/http"
	"strings"
)

// forwardedRequestHeaders may be passed through to the backend
var forwardedRequestHeaders = []string{
	"Content-Type",
	"Accept",
	"Accept-Language",
	"User-Agent",
	"Cookie",
	"X-Device-Token",
	"X-Request-Id",
	"X-Client-Version",
}

// hopByHopHeaders apply to a single connection and are never relayed
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// internalResponseHeaders identify backend infrastructure
var internalResponseHeaders = []string{
	"Server",
	"X-Powered-By",
	"Via",
	"X-Runtime",
}

var internalResponsePrefixes = []string{
	"X-Internal-",
	"X-Origin-",
	"X-Amz-",
	"X-Backend-",
}

// ForwardableHeaders returns the subset of h that may reach the backend.
// extra names additional headers to keep, such as a custom device token header.
func ForwardableHeaders(h http.Header, extra ...string) http.Header {
	out := make(http.Header)
	names := make([]string, 0, len(forwardedRequestHeaders)+len(extra))
	names = append(names, forwardedRequestHeaders...)
	names = append(names, extra...)
	for _, name := range names {
		if values := h.Values(name); len(values) > 0 {
			out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return out
}

// RelayableHeaders returns h without hop-by-hop and infrastructure headers
func RelayableHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return make(http.Header)
	}

	for _, value := range out.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	for _, name := range internalResponseHeaders {
		out.Del(name)
	}
	for name := range out {
		for _, prefix := range internalResponsePrefixes {
			if strings.HasPrefix(name, prefix) {
				delete(out, name)
				break
			}
		}
	}
	return out
}
