package delivery

import (
	"strings"
	"time"
)

// Policy holds the delivery tunables shared by the executor, breaker,
// dispatcher and sweeper.
type Policy struct {
	MaxAttempts       int           // attempt budget per delivery
	Timeout           time.Duration // per-attempt transport timeout
	Backoff           Backoff       // retry delay after a failed attempt
	BreakerThreshold  int           // failing deliveries that deactivate a subscription
	ResponseBodyLimit int           // characters of response body kept for diagnostics
	ClaimTTL          time.Duration // lease held on a delivery while it is being attempted
	BatchSize         int           // deliveries claimed per sweep
	SweepConcurrency  int           // deliveries attempted in parallel per sweep
}

// DefaultPolicy returns the documented defaults: 5 attempts, 10s timeout,
// 2^n second backoff, breaker at 10, 1000 character bodies, 100 per sweep.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		Timeout:           10 * time.Second,
		Backoff:           DefaultBackoff(),
		BreakerThreshold:  10,
		ResponseBodyLimit: 1000,
		ClaimTTL:          2 * time.Minute,
		BatchSize:         100,
		SweepConcurrency:  4,
	}
}

func (p *Policy) normalize() {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.Backoff == nil {
		p.Backoff = def.Backoff
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = def.BreakerThreshold
	}
	if p.ResponseBodyLimit <= 0 {
		p.ResponseBodyLimit = def.ResponseBodyLimit
	}
	if p.ClaimTTL <= p.Timeout {
		// A lease shorter than an attempt would let a second sweeper in.
		p.ClaimTTL = p.Timeout + def.ClaimTTL
	}
	if p.BatchSize <= 0 {
		p.BatchSize = def.BatchSize
	}
	if p.SweepConcurrency <= 0 {
		p.SweepConcurrency = def.SweepConcurrency
	}
}

// responseText makes a receiver's response storable in a TEXT column:
// invalid UTF-8 becomes U+FFFD, NUL bytes are dropped, then truncate applies.
func responseText(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "")
	return truncate(s, n)
}

// truncate keeps at most n characters of s without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
