package delivery

import (
	"math"
	"time"
)

// Backoff computes the delay before the next attempt.
type Backoff interface {
	// Delay returns the wait after attemptCount attempts have been made.
	Delay(attemptCount int) time.Duration
}

// Exponential doubles the delay with every attempt.
// Delay = min(Base * 2^attemptCount, Max). A zero Max leaves growth uncapped.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base * 2^attemptCount, capped at Max when Max is set.
// Growth saturates at the largest Duration instead of overflowing.
func (e Exponential) Delay(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	limit := time.Duration(math.MaxInt64)
	if e.Max > 0 {
		limit = e.Max
	}
	if e.Base <= 0 {
		return 0
	}

	d := e.Base
	for i := 0; i < attemptCount; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// DefaultBackoff is 2^attemptCount seconds, uncapped.
func DefaultBackoff() Backoff {
	return Exponential{Base: time.Second}
}
