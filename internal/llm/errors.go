package llm

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// HTTPError is a non-2xx response from an endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("endpoint error (status %d): %s", e.StatusCode, body)
}

// RateLimitError is the distinguished rate-limit variant. The retry executor
// matches on this type first; message-pattern matching is the fallback for
// providers that hide 429s inside generic errors.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return "rate limited: " + e.Message
	}
	return "rate limited"
}

// rateLimitPhrases are matched case-insensitively against error text when no
// typed signal is available.
var rateLimitPhrases = []string{
	"rate limit",
	"too many requests",
	"free-models-per-min",
}

var timeoutPhrases = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

// IsRateLimit reports whether err represents a rate-limit response.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is worth retrying: network failures,
// HTTP 408/429/5xx, and timeout or rate-limit message patterns. Other 4xx
// responses are permanent and propagate immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimit(err) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 408:
			return true
		case httpErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range timeoutPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
