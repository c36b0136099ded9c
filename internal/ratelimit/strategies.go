package ratelimit

import (
	"context"
	"fmt"
	"time"
)

func fixedWindowKey(key string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("ratelimit:fixed:%s:%d", key, now.UnixNano()/int64(window))
}

// checkFixedWindow counts events inside the current window bucket. The TTL is
// set atomically with the first increment: the window key embeds the window
// index, so a stale bucket is simply never read again.
func (l *Limiter) checkFixedWindow(ctx context.Context, key string, p Policy, now time.Time) (Result, error) {
	storeKey := fixedWindowKey(key, p.Window, now)
	resetAt := now.Truncate(p.Window).Add(p.Window)

	var count int
	err := l.store.Update(ctx, storeKey, p.Window, func(b *Bucket) {
		b.Count++
		count = b.Count
	})
	if err != nil {
		return Result{}, err
	}

	remaining := p.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= p.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// checkSlidingWindow keeps a timestamp log per key. In one atomic block it
// evicts entries older than the window, counts the remainder, and inserts the
// current timestamp only when under the limit.
func (l *Limiter) checkSlidingWindow(ctx context.Context, key string, p Policy, now time.Time) (Result, error) {
	storeKey := "ratelimit:sliding:" + key
	cutoff := now.Add(-p.Window)

	var (
		allowed bool
		stored  int
		oldest  time.Time
	)
	err := l.store.Update(ctx, storeKey, p.Window, func(b *Bucket) {
		kept := b.Times[:0]
		for _, ts := range b.Times {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		b.Times = kept

		stored = len(b.Times)
		allowed = stored < p.Limit
		if allowed {
			b.Times = append(b.Times, now)
		}
		if len(b.Times) > 0 {
			oldest = b.Times[0]
		}
	})
	if err != nil {
		return Result{}, err
	}

	remaining := p.Limit - stored
	if allowed {
		remaining--
	}
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(p.Window)
	if !oldest.IsZero() {
		resetAt = oldest.Add(p.Window)
	}
	return Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}, nil
}

// checkTokenBucket refills elapsed×rate tokens up to capacity, then deducts
// one token if available.
func (l *Limiter) checkTokenBucket(ctx context.Context, key string, p Policy, now time.Time) (Result, error) {
	storeKey := "ratelimit:token:" + key

	var tokens float64
	var allowed bool
	err := l.store.Update(ctx, storeKey, l.bucketTTL(p), func(b *Bucket) {
		if b.LastRefill.IsZero() {
			b.Tokens = float64(p.BucketSize)
		} else {
			elapsed := now.Sub(b.LastRefill).Seconds()
			b.Tokens += elapsed * p.RefillRate
			if b.Tokens > float64(p.BucketSize) {
				b.Tokens = float64(p.BucketSize)
			}
		}
		b.LastRefill = now

		// Balances accrue fractionally between refills; admission spends
		// whole tokens, so anything below one full token denies.
		if b.Tokens >= 1 {
			b.Tokens--
			allowed = true
		}
		tokens = b.Tokens
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   allowed,
		Remaining: int(tokens),
		ResetAt:   now.Add(perEventInterval(p.RefillRate)),
	}, nil
}

// checkLeakyBucket drains elapsed×rate units, then admits the request only if
// the level is below capacity.
func (l *Limiter) checkLeakyBucket(ctx context.Context, key string, p Policy, now time.Time) (Result, error) {
	storeKey := "ratelimit:leaky:" + key

	var level float64
	var allowed bool
	err := l.store.Update(ctx, storeKey, l.bucketTTL(p), func(b *Bucket) {
		if !b.LastLeak.IsZero() {
			leaked := now.Sub(b.LastLeak).Seconds() * p.LeakRate
			b.Level -= leaked
			if b.Level < 0 {
				b.Level = 0
			}
		}
		b.LastLeak = now

		// The level drains fractionally; each admission adds one whole unit
		// and passes only while the level sits below the integer capacity.
		if b.Level < float64(p.BucketSize) {
			b.Level++
			allowed = true
		}
		level = b.Level
	})
	if err != nil {
		return Result{}, err
	}

	remaining := p.BucketSize - int(level)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Add(perEventInterval(p.LeakRate)),
	}, nil
}

// bucketTTL keeps idle token/leaky buckets alive long enough to drain or
// refill fully before implicit reset.
func (l *Limiter) bucketTTL(p Policy) time.Duration {
	if p.Window > 0 {
		return p.Window
	}
	return time.Hour
}

func perEventInterval(rate float64) time.Duration {
	if rate <= 0 {
		return time.Hour
	}
	return time.Duration(float64(time.Second) / rate)
}
