package orchestrator

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/lgulliver/darkroom/pkg/config"
)

// OutcomeKind classifies one delivery attempt
type OutcomeKind int

const (
	// OutcomeSucceeded means the backend registered the upload
	OutcomeSucceeded OutcomeKind = iota
	// OutcomeRetryable is a transient failure worth another attempt
	OutcomeRetryable
	// OutcomePermanent is a failure another attempt cannot fix
	OutcomePermanent
	// OutcomeCancelled means the batch context ended
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of one attempt, or of a whole retry run
type Outcome struct {
	Kind      OutcomeKind
	FileID    string
	ObjectKey string
	Err       error
	Attempts  int
}

// Succeeded builds a success outcome
func Succeeded(fileID, objectKey string) Outcome {
	return Outcome{Kind: OutcomeSucceeded, FileID: fileID, ObjectKey: objectKey}
}

// Failed classifies err into a retryable, permanent or cancelled outcome
func Failed(err error) Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeCancelled, Err: err}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && !retryableStatus(statusErr.StatusCode) {
		return Outcome{Kind: OutcomePermanent, Err: err}
	}

	var payloadErr *PayloadError
	if errors.As(err, &payloadErr) {
		return Outcome{Kind: OutcomePermanent, Err: err}
	}
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

// retryableStatus reports whether a failed response may succeed later.
// A 409 from finalize is retried because storage listings can lag the PUT.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestEntityTooLarge:
		return false
	default:
		return true
	}
}

// Policy decides how often and how long to wait between attempts
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy builds a policy from the shared upload limits
func NewPolicy(limits *config.UploadLimits) Policy {
	return Policy{MaxAttempts: limits.MaxAttempts, BaseDelay: limits.BaseDelay}
}

// Backoff returns the wait before attempt k. The first attempt runs
// immediately; attempt k >= 2 waits BaseDelay * 2^(k-2).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	b := p.schedule()
	var d time.Duration
	for k := 2; k <= attempt; k++ {
		d = b.NextBackOff()
	}
	return d
}

// schedule is an unjittered doubling backoff starting at BaseDelay
func (p Policy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run calls attempt until it succeeds, fails permanently, the context ends
// or MaxAttempts is reached. The returned outcome records how many
// attempts were made. An attempt reporting cancellation while ctx is still
// live hit a per-request timeout and is retried.
func (p Policy) Run(ctx context.Context, attempt func(ctx context.Context, n int) Outcome) Outcome {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	schedule := p.schedule()
	var last Outcome
	for n := 1; n <= maxAttempts; n++ {
		if n > 1 {
			if err := sleep(ctx, schedule.NextBackOff()); err != nil {
				return Outcome{Kind: OutcomeCancelled, Err: err, Attempts: n - 1}
			}
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: OutcomeCancelled, Err: err, Attempts: n - 1}
		}

		last = attempt(ctx, n)
		last.Attempts = n
		if last.Kind == OutcomeCancelled && ctx.Err() == nil {
			last.Kind = OutcomeRetryable
		}
		if last.Kind != OutcomeRetryable {
			return last
		}
	}
	return last
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
