package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
)

type Class int

const (
	Retryable Class = iota
	Fatal
)

type Policy struct {
	MaxAttempts int           // e.g. 4
	BaseDelay   time.Duration // e.g. 200ms
	MaxDelay    time.Duration // e.g. 5s
	Jitter      time.Duration // e.g. 100ms

	// Classify decides whether an error is worth another attempt. Nil means
	// fault.Retryable.
	Classify func(error) Class

	// OnRetry is an optional hook for logging and metrics.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// ByFault retries transient and rejected errors and stops on everything else.
func ByFault(err error) Class {
	if fault.Retryable(err) {
		return Retryable
	}
	return Fatal
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Classify == nil {
		p.Classify = ByFault
	}
	return p
}

// Backoff is the wait after the given 1-based failed attempt, before jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	wait := p.BaseDelay
	for i := 1; i < attempt && wait < p.MaxDelay; i++ {
		wait *= 2
	}
	if wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

// Do runs fn until it succeeds, fails fatally or runs out of attempts. fn
// receives the 0-based attempt number. The last error is returned as is.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(lastErr, err)
			}
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.Classify(err) == Fatal || attempt == p.MaxAttempts-1 {
			break
		}

		wait := p.Backoff(attempt + 1)
		if p.Jitter > 0 {
			wait += time.Duration(rand.Int64N(int64(p.Jitter)))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}
