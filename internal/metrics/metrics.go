// Package metrics exports gateway telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "darkroom"

// Verification outcomes recorded by the finalize verifier
const (
	OutcomePresent = "present"
	OutcomeAbsent  = "absent"
	OutcomeError   = "error"
)

// Gateway holds the gateway's collectors. A nil *Gateway records nothing.
type Gateway struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	verification *prometheus.CounterVec
	rateLimited  prometheus.Counter
}

// NewGateway registers the gateway collectors on reg
func NewGateway(reg prometheus.Registerer) (*Gateway, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	requests, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_requests_total",
		Help:      "Upload gateway requests by route, routing mode and status.",
	}, []string{"route", "mode", "status"}))
	if err != nil {
		return nil, err
	}

	duration, err := registerCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_request_duration_seconds",
		Help:      "Upload gateway request latency by route and routing mode.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "mode"}))
	if err != nil {
		return nil, err
	}

	verification, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "finalize_verifications_total",
		Help:      "Native finalize storage verifications by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}

	rateLimited, err := registerCollector(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	}))
	if err != nil {
		return nil, err
	}

	return &Gateway{
		requests:     requests,
		duration:     duration,
		verification: verification,
		rateLimited:  rateLimited,
	}, nil
}

// MustNewGateway is NewGateway that panics on registration failure
func MustNewGateway(reg prometheus.Registerer) *Gateway {
	m, err := NewGateway(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// ObserveRequest records one handled request
func (m *Gateway) ObserveRequest(route, mode string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, mode, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route, mode).Observe(elapsed.Seconds())
}

// ObserveVerification records a finalize storage lookup outcome
func (m *Gateway) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.verification.WithLabelValues(outcome).Inc()
}

// ObserveRateLimited records a rejected request
func (m *Gateway) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register gateway metric: %w", err)
	}
	return c, nil
}
