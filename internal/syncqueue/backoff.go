package syncqueue

import "time"

const (
	defaultRetryBase   = 2 * time.Second
	defaultRetryMax    = 5 * time.Minute
	defaultMaxAttempts = 12
)

// Backoff computes exponential retry delays capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given retry attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultRetryBase
	}
	limit := b.Max
	if limit <= 0 {
		limit = defaultRetryMax
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit || delay <= 0 {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
