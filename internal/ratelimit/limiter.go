// Package ratelimit implements allow/deny gating with pluggable strategies.
// It gates both the ingress HTTP surface and per-organization outbound load.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownStrategy is returned when a policy names a strategy that is not
// built in.
var ErrUnknownStrategy = errors.New("unknown rate limit strategy")

// Strategy selects the bucket arithmetic applied to a key.
type Strategy string

const (
	StrategyFixedWindow   Strategy = "fixed_window"
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategyLeakyBucket   Strategy = "leaky_bucket"
)

// Policy describes the limit applied to one key class.
type Policy struct {
	Strategy   Strategy
	Limit      int           // fixed/sliding: max events per window
	Window     time.Duration // fixed/sliding window size
	BucketSize int           // token/leaky capacity
	RefillRate float64       // token bucket: tokens per second
	LeakRate   float64       // leaky bucket: leaks per second
}

// Result is the outcome of a single check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter evaluates policies against a backing Store.
//
// The limiter is fail-open: a malfunctioning store never denies a request.
// Store errors are logged at most once per window per key class.
type Limiter struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastErrLog map[string]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store Store, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		logger:     logger,
		now:        time.Now,
		lastErrLog: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check evaluates the policy for key. The only hard error is
// ErrUnknownStrategy; store failures yield an allowed result.
func (l *Limiter) Check(ctx context.Context, key string, p Policy) (Result, error) {
	now := l.now()

	var (
		res Result
		err error
	)
	switch p.Strategy {
	case StrategyFixedWindow:
		res, err = l.checkFixedWindow(ctx, key, p, now)
	case StrategySlidingWindow:
		res, err = l.checkSlidingWindow(ctx, key, p, now)
	case StrategyTokenBucket:
		res, err = l.checkTokenBucket(ctx, key, p, now)
	case StrategyLeakyBucket:
		res, err = l.checkLeakyBucket(ctx, key, p, now)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, p.Strategy)
	}

	if err != nil {
		l.logStoreError(key, p, now, err)
		return Result{Allowed: true, Remaining: p.Limit, ResetAt: now.Add(p.Window)}, nil
	}
	return res, nil
}

// Refund returns one token to key after the wrapped request completed in a
// class the middleware is configured to skip. Only the fixed window strategy
// supports an atomic decrement; for the others the refund is a no-op.
func (l *Limiter) Refund(ctx context.Context, key string, p Policy) {
	if p.Strategy != StrategyFixedWindow {
		return
	}
	now := l.now()
	storeKey := fixedWindowKey(key, p.Window, now)
	_ = l.store.Update(ctx, storeKey, p.Window, func(b *Bucket) {
		if b.Count > 0 {
			b.Count--
		}
	})
}

// logStoreError emits the fail-open warning at most once per window for the
// given key class.
func (l *Limiter) logStoreError(key string, p Policy, now time.Time, err error) {
	window := p.Window
	if window <= 0 {
		window = time.Minute
	}

	gate := string(p.Strategy) + ":" + key
	l.mu.Lock()
	last, ok := l.lastErrLog[gate]
	if ok && now.Sub(last) < window {
		l.mu.Unlock()
		return
	}
	l.lastErrLog[gate] = now
	l.mu.Unlock()

	l.logger.Warn("rate limit store failure, failing open",
		"key", key,
		"strategy", string(p.Strategy),
		"err", err,
	)
}
