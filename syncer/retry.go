package syncer

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether a failed page fetch is retried and how long to wait.
type RetryPolicy struct {
	MaxRetries int

	RateLimitBase time.Duration
	RateLimitCap  time.Duration
	TransientBase time.Duration
	TransientCap  time.Duration

	// Jitter returns a random extra wait in [0, max). Nil disables jitter.
	Jitter func(max time.Duration) time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		RateLimitBase: 10 * time.Second,
		RateLimitCap:  40 * time.Second,
		TransientBase: 5 * time.Second,
		TransientCap:  30 * time.Second,
		Jitter:        randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Retryable reports whether the failure class is retried locally.
func (p RetryPolicy) Retryable(kind ErrorKind) bool {
	return kind == KindRateLimited || kind == KindTransientService
}

// Delay is the wait before retry number attempt (1-based). A provider
// retry-after hint on a rate limit replaces the computed backoff, bounded by
// RateLimitCap.
func (p RetryPolicy) Delay(se *SyncError, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	switch se.Kind {
	case KindRateLimited:
		if se.RetryAfter > 0 {
			if p.RateLimitCap > 0 && se.RetryAfter > p.RateLimitCap {
				return p.RateLimitCap
			}
			return se.RetryAfter
		}
		d := exponential(p.RateLimitBase, p.RateLimitCap, attempt)
		if p.Jitter != nil {
			d += p.Jitter(d / 4)
		}
		return d
	default:
		return exponential(p.TransientBase, p.TransientCap, attempt)
	}
}

func exponential(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
