// Package router fans a notification out across its surviving channels,
// retries residual failures with exponential backoff and applies the
// configured fallback strategy.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulseline/pulseline/internal/channel"
	"github.com/pulseline/pulseline/internal/domain/notification"
)

// Fallback names the channel set attempted once after retries are exhausted.
type Fallback string

const (
	FallbackNone  Fallback = "none"
	FallbackEmail Fallback = "email"
	FallbackWeb   Fallback = "web"
	FallbackAll   Fallback = "all"
)

// Config tunes the retry loop and fallback behaviour.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	Backoff      float64
	Fallback     Fallback
	// Enabled globally restricts the channel set. Empty means all channels.
	Enabled []notification.Channel
}

func (c *Config) normalize() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.Backoff < 1 {
		c.Backoff = 2
	}
	if c.Fallback == "" {
		c.Fallback = FallbackNone
	}
}

// PreferenceSource resolves a user's channel preferences. A nil preference
// means no record: everything allowed.
type PreferenceSource interface {
	Preferences(ctx context.Context, tenant, userID string) (*notification.Preference, error)
}

// Outcome is the aggregated result of routing one notification.
type Outcome struct {
	Success   bool
	Delivered []notification.Channel
	Failed    []notification.Channel
	Total     int
	Errors    map[notification.Channel]string
	Retries   int
	Elapsed   time.Duration
}

// Router coordinates the per-channel processors for one notification at a
// time. It holds no per-notification state; a single Router serves all
// dispatcher workers.
type Router struct {
	registry *channel.Registry
	prefs    PreferenceSource
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithSleep overrides the retry wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Router) { r.sleep = sleep }
}

func New(registry *channel.Registry, prefs PreferenceSource, cfg Config, logger *slog.Logger, opts ...Option) *Router {
	cfg.normalize()
	r := &Router{
		registry: registry,
		prefs:    prefs,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Route delivers the notification across every surviving channel and
// reports the partitioned outcome. An empty surviving set is a success:
// there was nothing to do.
func (r *Router) Route(ctx context.Context, n *notification.Notification) Outcome {
	started := r.now()

	out := Outcome{Errors: make(map[notification.Channel]string)}
	eligible := r.filterChannels(ctx, n)
	out.Total = len(eligible)
	if len(eligible) == 0 {
		out.Success = true
		out.Elapsed = r.now().Sub(started)
		return out
	}

	deliveredSet := make(map[notification.Channel]bool)
	permanent := make(map[notification.Channel]bool)

	failedNow := r.attempt(ctx, n, eligible, deliveredSet, permanent, out.Errors)

	for retriable(failedNow, permanent) && out.Retries < r.cfg.MaxRetries {
		delay := time.Duration(float64(r.cfg.InitialDelay) * pow(r.cfg.Backoff, out.Retries))
		if err := r.sleep(ctx, delay); err != nil {
			break
		}
		out.Retries++

		var again []notification.Channel
		for _, ch := range failedNow {
			if !permanent[ch] {
				again = append(again, ch)
			}
		}
		failedNow = r.attempt(ctx, n, again, deliveredSet, permanent, out.Errors)
	}

	if len(failedNow) > 0 {
		if fb := r.fallbackChannels(n, deliveredSet); len(fb) > 0 {
			r.logger.Info("applying fallback",
				"notification_id", n.ID, "strategy", string(r.cfg.Fallback), "channels", len(fb))
			// Processors skip channels the notification does not carry, so
			// the fallback attempt runs on a clone extended with them.
			fn := n.Clone()
			for _, ch := range fb {
				if !fn.HasChannel(ch) {
					fn.Channels = append(fn.Channels, ch)
				}
			}
			r.attempt(ctx, fn, fb, deliveredSet, permanent, out.Errors)
		}
	}

	for _, ch := range eligible {
		if deliveredSet[ch] {
			out.Delivered = append(out.Delivered, ch)
		} else {
			out.Failed = append(out.Failed, ch)
		}
	}
	for ch := range deliveredSet {
		if !containsChannel(out.Delivered, ch) {
			out.Delivered = append(out.Delivered, ch)
		}
	}

	out.Success = len(out.Failed) == 0
	out.Elapsed = r.now().Sub(started)
	return out
}

// attempt dispatches the channels in parallel and returns the ones that
// failed this round. A processor panic counts as that channel's failure.
func (r *Router) attempt(
	ctx context.Context,
	n *notification.Notification,
	channels []notification.Channel,
	deliveredSet, permanent map[notification.Channel]bool,
	errs map[notification.Channel]string,
) []notification.Channel {
	if len(channels) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		failed []notification.Channel
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		ch := ch
		proc, ok := r.registry.Get(ch)
		if !ok {
			mu.Lock()
			failed = append(failed, ch)
			permanent[ch] = true
			errs[ch] = "no processor registered"
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			res := r.process(gctx, proc, n)

			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				for _, d := range res.Delivered {
					deliveredSet[d] = true
				}
				delete(errs, ch)
				return nil
			}
			failed = append(failed, ch)
			if res.Permanent {
				permanent[ch] = true
			}
			if res.Err != nil {
				errs[ch] = res.Err.Error()
			} else {
				errs[ch] = "delivery failed"
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// process invokes one processor, translating a panic into a failure so a
// misbehaving channel never takes the dispatch worker down.
func (r *Router) process(ctx context.Context, proc channel.Processor, n *notification.Notification) (res channel.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("processor panicked",
				"channel", string(proc.Channel()), "notification_id", n.ID, "panic", rec)
			res = channel.Result{
				Failed: []notification.Channel{proc.Channel()},
				Err:    fmt.Errorf("panic: %v", rec),
			}
		}
	}()
	return proc.Process(ctx, n)
}

// filterChannels applies, in order: the globally enabled set, per-user
// preferences, quiet hours and frequency (all three via Preference.Allows).
func (r *Router) filterChannels(ctx context.Context, n *notification.Notification) []notification.Channel {
	now := r.now()

	var prefs []*notification.Preference
	if r.prefs != nil {
		for _, user := range n.Targeting.UserIDs {
			p, err := r.prefs.Preferences(ctx, n.TenantID, user)
			if err != nil {
				// Preference lookup failure never blocks delivery.
				r.logger.Warn("preference lookup failed",
					"organization_id", n.TenantID, "user_id", user, "err", err)
				continue
			}
			if p != nil {
				prefs = append(prefs, p)
			}
		}
	}

	var out []notification.Channel
	for _, ch := range n.Channels {
		if !r.enabled(ch) {
			continue
		}
		allowed := true
		for _, p := range prefs {
			if !p.Allows(ch, now) {
				allowed = false
				break
			}
		}
		if allowed {
			out = append(out, ch)
		}
	}
	return out
}

func (r *Router) enabled(ch notification.Channel) bool {
	if len(r.cfg.Enabled) == 0 {
		return true
	}
	return containsChannel(r.cfg.Enabled, ch)
}

// fallbackChannels picks the strategy's channels that are enabled, carried by
// a registered processor and not yet delivered.
func (r *Router) fallbackChannels(n *notification.Notification, deliveredSet map[notification.Channel]bool) []notification.Channel {
	var candidates []notification.Channel
	switch r.cfg.Fallback {
	case FallbackEmail:
		candidates = []notification.Channel{notification.ChannelEmail}
	case FallbackWeb:
		candidates = []notification.Channel{notification.ChannelWeb}
	case FallbackAll:
		candidates = notification.Channels
	default:
		return nil
	}

	var out []notification.Channel
	for _, ch := range candidates {
		if deliveredSet[ch] || !r.enabled(ch) {
			continue
		}
		if _, ok := r.registry.Get(ch); !ok {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func retriable(failed []notification.Channel, permanent map[notification.Channel]bool) bool {
	for _, ch := range failed {
		if !permanent[ch] {
			return true
		}
	}
	return false
}

func containsChannel(set []notification.Channel, c notification.Channel) bool {
	for _, ch := range set {
		if ch == c {
			return true
		}
	}
	return false
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
