package router

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/pulseline/pulseline/config"
	"github.com/pulseline/pulseline/internal/channel"
	"github.com/pulseline/pulseline/internal/domain/notification"
)

// allowAll is the default preference source: no records, everything allowed.
type allowAll struct{}

func (allowAll) Preferences(context.Context, string, string) (*notification.Preference, error) {
	return nil, nil
}

var Module = fx.Module("router",
	fx.Provide(
		func() PreferenceSource { return allowAll{} },
		func(registry *channel.Registry, prefs PreferenceSource, cfg *config.Config, logger *slog.Logger) *Router {
			return New(registry, prefs, Config{
				MaxRetries:   cfg.Router.MaxRetries,
				InitialDelay: cfg.Router.InitialDelay,
				Backoff:      cfg.Router.Backoff,
				Fallback:     Fallback(cfg.Router.Fallback),
			}, logger)
		},
	),
)
