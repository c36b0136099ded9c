package ratelimit

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/pulseline/pulseline/config"
)

// PolicyFromConfig converts the declarative config form to a Policy.
func PolicyFromConfig(p config.PolicyConfig) Policy {
	return Policy{
		Strategy:   Strategy(p.Strategy),
		Limit:      p.Limit,
		Window:     p.Window,
		BucketSize: p.BucketSize,
		RefillRate: p.RefillRate,
		LeakRate:   p.LeakRate,
	}
}

var Module = fx.Module("ratelimit",
	fx.Provide(
		func(cfg *config.Config) Store {
			return NewMemoryStore(cfg.RateLimit.StoreSize, cfg.RateLimit.StoreTTL)
		},
		func(store Store, logger *slog.Logger) *Limiter {
			return New(store, logger)
		},
		func(cfg *config.Config) *Overrides {
			return NewOverrides(
				PolicyFromConfig(cfg.RateLimit.Ingress),
				PolicyFromConfig(cfg.RateLimit.Channels),
			)
		},
	),
	fx.Invoke(func(w *config.Watcher, o *Overrides, logger *slog.Logger) {
		w.OnReload(func(cfg *config.Config) {
			o.Update(
				PolicyFromConfig(cfg.RateLimit.Ingress),
				PolicyFromConfig(cfg.RateLimit.Channels),
			)
			logger.Info("rate limit policies reloaded",
				"ingress_limit", cfg.RateLimit.Ingress.Limit,
				"channel_limit", cfg.RateLimit.Channels.Limit,
			)
		})
	}),
)
