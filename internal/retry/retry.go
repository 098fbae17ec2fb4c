// Package retry handles transient transport errors (queue or store briefly
// unreachable). Failures here never surface as job failures; anything past
// the attempt budget is returned to the caller as-is.
package retry

import (
	"context"
	"math"
	"time"
)

const (
	defaultBase = 200 * time.Millisecond
	defaultCap  = 30 * time.Second
)

// Backoff returns the exponential delay before the given attempt (1-based),
// capped at defaultCap.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(math.Pow(2, float64(attempt-1))) * defaultBase
	if d > defaultCap {
		return defaultCap
	}
	return d
}

// Do runs fn up to attempts times, sleeping an exponential backoff between
// tries. It stops early when ctx is cancelled and returns the last error.
func Do(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(i)):
		}
	}
	return err
}
