package queue

import (
	"time"

	"github.com/maheshrc27/postflow/internal/platform"
)

// RetryPolicy is the single backoff policy for every platform.
type RetryPolicy struct {
	MaxAttempts        int
	MaxUnknownAttempts int
	Base               time.Duration
	Ceiling            time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        5,
		MaxUnknownAttempts: 3,
		Base:               30 * time.Second,
		Ceiling:            30 * time.Minute,
	}
}

// Backoff is the delay after the given 1-based attempt: Base doubled per
// attempt, capped at Ceiling.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt && d < p.Ceiling; i++ {
		d *= 2
	}
	if d > p.Ceiling {
		d = p.Ceiling
	}
	return d
}

// Next decides whether a job whose attempt failed with pe runs again, and
// after how long. A platform-supplied retry-after wins when it is longer.
func (p RetryPolicy) Next(attempt int, pe *platform.PublishError) (time.Duration, bool) {
	if !pe.Retryable() {
		return 0, false
	}
	limit := p.MaxAttempts
	if pe.Kind == platform.KindUnknown && p.MaxUnknownAttempts < limit {
		limit = p.MaxUnknownAttempts
	}
	if attempt >= limit {
		return 0, false
	}
	d := p.Backoff(attempt)
	if pe.RetryAfter > d {
		d = pe.RetryAfter
	}
	return d, true
}
