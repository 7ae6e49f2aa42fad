// Package retry computes exponential backoff delays for queue retries.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff is an exponential schedule: Base * 2^attempts, capped at Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// NewBackoff builds a schedule with the given bounds. Jitter is off.
func NewBackoff(base, maxDelay time.Duration) Backoff {
	return Backoff{Base: base, Max: maxDelay}
}

// Delay returns the wait before retrying a job that has failed attempts times.
// With Jitter the delay is drawn from [d/2, d).
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Minute
	}
	delay := float64(base) * math.Pow(2, float64(attempts))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	d := time.Duration(delay)
	if !b.Jitter {
		return d
	}
	return d/2 + randomJitter(d/2)
}

// Next returns the instant of the next attempt.
func (b Backoff) Next(now time.Time, attempts int) time.Time {
	return now.Add(b.Delay(attempts))
}

// Exhausted reports whether one more failure reaches maxAttempts.
func Exhausted(attempts, maxAttempts int) bool {
	return attempts+1 >= maxAttempts
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
