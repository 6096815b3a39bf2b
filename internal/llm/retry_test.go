package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastPolicy keeps test wall-clock short while preserving the shape of the
// production schedule.
func fastPolicy(attempts uint) Policy {
	return Policy{
		MaxAttempts:       attempts,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		RateLimitDelay:    5 * time.Millisecond,
		RateLimitMaxDelay: 20 * time.Millisecond,
		CallTimeout:       time.Second,
	}
}

func TestExecute_SucceedsFirstTry(t *testing.T) {
	e := NewExecutor(fastPolicy(3), nil, nil)
	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	var attempts []Attempt
	e := NewExecutor(fastPolicy(3), nil, func(a Attempt) { attempts = append(attempts, a) })

	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPError{StatusCode: 500, Body: "server exploded"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(attempts) != 2 {
		t.Fatalf("reported %d attempts, want 2", len(attempts))
	}
	if attempts[0].RateLimited {
		t.Error("500 reported as rate-limited")
	}
}

func TestExecute_NonRetryablePropagatesImmediately(t *testing.T) {
	e := NewExecutor(fastPolicy(5), nil, nil)
	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return &HTTPError{StatusCode: 401, Body: "bad key"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 401)", calls)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 401 {
		t.Errorf("err = %v, want the original 401", err)
	}
}

func TestExecute_RateLimitUsesLongSchedule(t *testing.T) {
	var attempts []Attempt
	e := NewExecutor(fastPolicy(4), nil, func(a Attempt) { attempts = append(attempts, a) })

	calls := 0
	start := time.Now()
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return &RateLimitError{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	// First rate-limit wait is the fixed delay, the second doubles it.
	elapsed := time.Since(start)
	wantMin := 5*time.Millisecond + 10*time.Millisecond
	if elapsed < wantMin {
		t.Errorf("elapsed %v, want >= %v", elapsed, wantMin)
	}
	for i, a := range attempts {
		if !a.RateLimited {
			t.Errorf("attempt %d not flagged rate-limited", i)
		}
	}
	if attempts[0].NextDelay != 5*time.Millisecond {
		t.Errorf("first rate-limit delay = %v, want 5ms", attempts[0].NextDelay)
	}
	if attempts[1].NextDelay != 10*time.Millisecond {
		t.Errorf("second rate-limit delay = %v, want 10ms", attempts[1].NextDelay)
	}
}

func TestExecute_RateLimitDelayCapped(t *testing.T) {
	p := fastPolicy(6)
	var attempts []Attempt
	e := NewExecutor(p, nil, func(a Attempt) { attempts = append(attempts, a) })

	err := e.Execute(context.Background(), func(ctx context.Context) error {
		return &RateLimitError{}
	})
	if err == nil {
		t.Fatal("expected terminal failure after exhausting retries")
	}
	last := attempts[len(attempts)-1]
	if last.NextDelay > p.RateLimitMaxDelay {
		t.Errorf("delay %v exceeds cap %v", last.NextDelay, p.RateLimitMaxDelay)
	}
}

func TestExecute_ExhaustedRetriesSurfaceLastError(t *testing.T) {
	e := NewExecutor(fastPolicy(3), nil, nil)
	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return &HTTPError{StatusCode: 503}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 503 {
		t.Errorf("final error = %v, want the 503", err)
	}
}

func TestExecute_CancellationStopsRetries(t *testing.T) {
	p := fastPolicy(10)
	p.RateLimitDelay = time.Hour // cancellation must not wait this out
	e := NewExecutor(p, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Execute(ctx, func(ctx context.Context) error {
			return &RateLimitError{}
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestExecute_PerAttemptTimeout(t *testing.T) {
	p := fastPolicy(2)
	p.CallTimeout = 20 * time.Millisecond
	e := NewExecutor(p, nil, nil)

	err := e.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
