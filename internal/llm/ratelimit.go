package llm

import (
	"context"
	"sync"
	"time"
)

// Default request pacing per client. Chat endpoints take short bursts;
// image generation is paced tighter.
const (
	DefaultChatRPS  = 5.0
	DefaultImageRPS = 1.0
)

// RateLimiter is a token bucket used to pace requests to one endpoint.
// The pipeline does not enforce a global limit; this smooths bursts so the
// endpoint's own 429s stay rare, and those 429s drive the retry executor.
type RateLimiter struct {
	mu sync.Mutex

	requestsPerSecond float64
	tokens            float64
	lastUpdate        time.Time

	totalConsumed int64
	totalWaited   time.Duration
	last429       time.Time
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable float64       `json:"tokens_available"`
	TotalConsumed   int64         `json:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited"`
	Last429         time.Time     `json:"last_429,omitempty"`
}

// NewRateLimiter creates a limiter refilling at rps tokens per second,
// with a burst capacity of one second's worth of tokens.
func NewRateLimiter(rps float64) *RateLimiter {
	if rps <= 0 {
		rps = 1.0
	}
	return &RateLimiter{
		requestsPerSecond: rps,
		tokens:            rps,
		lastUpdate:        time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1.0 {
			r.tokens--
			r.totalConsumed++
			r.mu.Unlock()
			return nil
		}
		needed := 1.0 - r.tokens
		wait := time.Duration(needed / r.requestsPerSecond * float64(time.Second))
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			r.mu.Lock()
			r.totalWaited += wait
			r.mu.Unlock()
		}
	}
}

// Record429 drains the bucket after an endpoint-side rate-limit response.
func (r *RateLimiter) Record429() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last429 = time.Now()
	r.tokens = 0
}

// Status returns a snapshot of limiter state.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return RateLimiterStatus{
		TokensAvailable: r.tokens,
		TotalConsumed:   r.totalConsumed,
		TotalWaited:     r.totalWaited,
		Last429:         r.last429,
	}
}

// refill adds tokens for elapsed time. Caller holds the lock.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	r.lastUpdate = now
	r.tokens += elapsed * r.requestsPerSecond
	if r.tokens > r.requestsPerSecond {
		r.tokens = r.requestsPerSecond
	}
}
