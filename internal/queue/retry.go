package queue

import "time"

const (
	DefaultMaxAttempts  = 3
	DefaultBackoffDelay = 2 * time.Second
)

// RetryDelay is the exponential backoff before the retry that follows the
// given failed attempt: base, 2*base, 4*base, ...
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * (1 << (attempt - 1))
}
