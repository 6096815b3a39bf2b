package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
)

// Policy configures the retry executor.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts uint
	// BaseDelay seeds the exponential backoff for non-rate-limit errors.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// RateLimitDelay is the fixed wait after the first rate-limit response.
	// Subsequent rate-limit retries double it up to RateLimitMaxDelay.
	RateLimitDelay    time.Duration
	RateLimitMaxDelay time.Duration
	// CallTimeout bounds each individual attempt. Backoff sleeps do not
	// count against it.
	CallTimeout time.Duration
}

// DefaultPolicy returns the standard policy for AI endpoint calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		RateLimitDelay:    65 * time.Second,
		RateLimitMaxDelay: 120 * time.Second,
		CallTimeout:       120 * time.Second,
	}
}

// Attempt describes one try, reported to the caller's hook after it fails.
type Attempt struct {
	Number      uint
	Err         error
	RateLimited bool
	NextDelay   time.Duration
}

// Executor runs operations against remote AI endpoints with bounded retries
// and rate-limit-aware backoff.
type Executor struct {
	policy    Policy
	logger    *slog.Logger
	onAttempt func(Attempt)
}

// NewExecutor creates an executor. onAttempt may be nil.
func NewExecutor(policy Policy, logger *slog.Logger, onAttempt func(Attempt)) *Executor {
	if policy.MaxAttempts == 0 {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{policy: policy, logger: logger, onAttempt: onAttempt}
}

// Execute runs op with the executor's policy. Retryable errors are retried
// with exponential backoff; rate-limit errors switch to the fixed long
// schedule. Non-retryable errors and context cancellation surface
// immediately. Only the final error is returned.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	// Rate-limit retries get their own doubling schedule independent of the
	// attempt number, so one 429 late in the attempt sequence still starts
	// at the full fixed delay.
	rateLimitRetries := 0

	delayFor := func(n uint, err error, _ *retry.Config) time.Duration {
		if IsRateLimit(err) {
			d := e.policy.RateLimitDelay << rateLimitRetries
			if d > e.policy.RateLimitMaxDelay {
				d = e.policy.RateLimitMaxDelay
			}
			rateLimitRetries++
			return d
		}
		d := e.policy.BaseDelay << n
		if d > e.policy.MaxDelay {
			d = e.policy.MaxDelay
		}
		return d
	}

	return retry.Do(
		func() error {
			attemptCtx := ctx
			if e.policy.CallTimeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, e.policy.CallTimeout)
				defer cancel()
			}
			return op(attemptCtx)
		},
		retry.Context(ctx),
		retry.Attempts(e.policy.MaxAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// A cancelled parent context is never retryable even when the
			// wrapped error text looks like a timeout.
			if ctx.Err() != nil {
				return false
			}
			return IsRetryable(err)
		}),
		retry.DelayType(delayFor),
		retry.OnRetry(func(n uint, err error) {
			rateLimited := IsRateLimit(err)
			next := delayPreview(e.policy, n, rateLimited, rateLimitRetries)
			e.logger.Warn("call failed, retrying",
				"attempt", n+1,
				"rate_limited", rateLimited,
				"error", err,
			)
			if e.onAttempt != nil {
				e.onAttempt(Attempt{Number: n + 1, Err: err, RateLimited: rateLimited, NextDelay: next})
			}
		}),
	)
}

// delayPreview mirrors delayFor for reporting without consuming schedule
// state. OnRetry fires before the delay is computed, so rlRetries is the
// shift the upcoming sleep will use.
func delayPreview(p Policy, n uint, rateLimited bool, rlRetries int) time.Duration {
	if rateLimited {
		d := p.RateLimitDelay << rlRetries
		if d > p.RateLimitMaxDelay {
			d = p.RateLimitMaxDelay
		}
		return d
	}
	d := p.BaseDelay << n
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
