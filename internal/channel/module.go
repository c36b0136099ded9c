package channel

import (
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/pulseline/pulseline/internal/confirm"
	"github.com/pulseline/pulseline/internal/fabric"
	"github.com/pulseline/pulseline/internal/metrics"
	"github.com/pulseline/pulseline/internal/ratelimit"
)

var Module = fx.Module("channel",
	fx.Provide(
		func(logger *slog.Logger) EmailTransport { return NewLogEmailTransport(logger) },
		func(logger *slog.Logger) PushTransport { return NewLogPushTransport(logger) },
		func() UserDirectory { return NewEmptyUserDirectory() },
		func() TokenRegistry {
			return NewCachedTokenRegistry(NewMemoryTokenRegistry(), 1024, 5*time.Minute)
		},
		func(h *fabric.Hub) Broadcaster { return h },
		newRegistry,
	),
)

func newRegistry(
	b Broadcaster,
	emailT EmailTransport,
	pushT PushTransport,
	directory UserDirectory,
	tokens TokenRegistry,
	confirms *confirm.Store,
	limiter *ratelimit.Limiter,
	overrides *ratelimit.Overrides,
	logger *slog.Logger,
	reg *metrics.Registry,
) *Registry {
	policy := ratelimit.PolicySource(overrides.Channels)
	return NewRegistry(
		NewWebProcessor(b, confirms, limiter, policy, logger, reg),
		NewEmailProcessor(emailT, directory, confirms, limiter, policy, logger, reg),
		NewPushProcessor(pushT, tokens, confirms, limiter, policy, logger, reg),
	)
}
