package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
)

func fast(n int) Policy {
	return Policy{MaxAttempts: n, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetriesTransientUntilSuccess(t *testing.T) {
	var seen []int
	err := Do(context.Background(), fast(5), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return fmt.Errorf("blip: %w", fault.ErrTransientUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Fatalf("attempts: %v", seen)
	}
}

func TestStopsOnFatal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(5), func(context.Context, int) error {
		calls++
		return fmt.Errorf("cap: %w", fault.ErrFeeCapExceeded)
	})
	if calls != 1 || !errors.Is(err, fault.ErrFeeCapExceeded) {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestExhaustedReturnsLastError(t *testing.T) {
	var retries []int
	p := fast(3)
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) }
	err := Do(context.Background(), p, func(_ context.Context, attempt int) error {
		return fmt.Errorf("attempt %d: %w", attempt, fault.ErrSubmissionRejected)
	})
	if err == nil || err.Error() != "attempt 2: submission rejected" {
		t.Fatalf("last error: %v", err)
	}
	if len(retries) != 2 {
		t.Fatalf("OnRetry calls: %v", retries)
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	p.OnRetry = func(int, time.Duration, error) { cancel() }
	err := Do(ctx, p, func(context.Context, int) error { return fault.ErrTransientUnavailable })
	if !errors.Is(err, context.Canceled) || !errors.Is(err, fault.ErrTransientUnavailable) {
		t.Fatalf("expected both causes, got %v", err)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	cases := map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 4: 800 * time.Millisecond, 10: time.Second}
	for attempt, want := range cases {
		if got := p.Backoff(attempt); got != want {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, want)
		}
	}
}
