// Package ratelimit admits requests per subject under a sliding window,
// backed by a KV sorted set so the limit holds across concurrent workers.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/attestry/proofgate/go/kv"
	"github.com/google/uuid"
)

// Limiter is a sliding-window rate limiter with fixed capacity and window.
type Limiter struct {
	kv       *kv.Store
	capacity int
	window   time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter builds a limiter admitting capacity requests per window.
func NewLimiter(kv *kv.Store, capacity int, window time.Duration) *Limiter {
	return &Limiter{kv: kv, capacity: capacity, window: window, now: time.Now}
}

func key(subject string) string { return "rate:" + subject }

// Allow records an arrival for subject and reports whether it is admitted.
// When denied, retryAfter is the time until the oldest arrival leaves the
// window.
func (l *Limiter) Allow(ctx context.Context, subject string) (allowed bool, retryAfter time.Duration, err error) {
	var now = l.now()
	var k = key(subject)
	var nowScore = float64(now.UnixNano())
	var cutoff = float64(now.Add(-l.window).UnixNano())

	if err = l.kv.WindowEvict(ctx, k, cutoff); err != nil {
		return false, 0, err
	}
	count, err := l.kv.WindowCount(ctx, k)
	if err != nil {
		return false, 0, err
	}
	if count >= int64(l.capacity) {
		oldest, err := l.kv.WindowOldest(ctx, k)
		if err == kv.ErrNotFound {
			// Capacity zero or a concurrent evict; deny with a full window.
			return false, l.window, nil
		} else if err != nil {
			return false, 0, err
		}
		retryAfter = time.Duration(oldest+float64(l.window.Nanoseconds())-nowScore) * time.Nanosecond
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}

	var member = fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
	if err = l.kv.WindowAdd(ctx, k, nowScore, member); err != nil {
		return false, 0, err
	}
	if err = l.kv.ExtendTTL(ctx, k, l.window); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}
