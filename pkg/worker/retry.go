package worker

import (
	"math/rand"
	"time"
)

// Backoff defaults.
const (
	DefaultRetryBase = 30 * time.Second
	DefaultRetryCap  = 10 * time.Minute
)

// Backoff returns the delay before a job's next attempt:
// min(base * 2^(attempt-1), cap) with up to 10% additive jitter. attempt is
// the attempt that just failed, 1-based.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if cap <= 0 {
		cap = DefaultRetryCap
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	if delay > cap {
		delay = cap
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/10+1))
}
