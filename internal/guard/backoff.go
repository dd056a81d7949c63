package guard

import (
	"context"
	"time"
)

// backoffBase is the quadratic retry base shared by the retrying callers.
const backoffBase = 200 * time.Millisecond

// Backoff sleeps the retry delay for the given attempt (quadratic: 200ms,
// 800ms, 1.8s, ...), returning false when the context ended first.
func Backoff(ctx context.Context, attempt int) bool {
	select {
	case <-time.After(time.Duration(attempt*attempt) * backoffBase):
		return true
	case <-ctx.Done():
		return false
	}
}
