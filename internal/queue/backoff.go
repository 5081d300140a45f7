package queue

import "time"

// Policy defines the retry schedule for failed dispatch attempts,
// independent of any particular queue backend.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// Multiplier grows the delay per subsequent retry.
	Multiplier float64
}

// DefaultPolicy mirrors the queue defaults: 3 retries, 2s base delay,
// doubling per attempt.
var DefaultPolicy = Policy{
	MaxRetries: 3,
	BaseDelay:  2 * time.Second,
	Multiplier: 2.0,
}

// Delay returns the backoff before retry number attempt (1-based: the
// delay after the attempt-th failure).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}
