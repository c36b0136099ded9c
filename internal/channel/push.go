package channel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pulseline/pulseline/internal/confirm"
	"github.com/pulseline/pulseline/internal/domain/notification"
	"github.com/pulseline/pulseline/internal/metrics"
	"github.com/pulseline/pulseline/internal/ratelimit"
)

// errNoDeviceTokens is permanent: the tenant has nothing registered to
// deliver to.
var errNoDeviceTokens = errors.New("no device tokens")

const defaultPushTTL = 24 * time.Hour

// PushProcessor delivers through an external push provider.
type PushProcessor struct {
	transport PushTransport
	registry  TokenRegistry
	confirms  *confirm.Store
	logger    *slog.Logger
	metrics   *metrics.Registry
	gate      *gate
	breaker   *gobreaker.CircuitBreaker[*PushReceipt]
	stats     Stats
	timeout   time.Duration
	now       func() time.Time
}

var _ Processor = (*PushProcessor)(nil)

func NewPushProcessor(
	transport PushTransport,
	registry TokenRegistry,
	confirms *confirm.Store,
	limiter *ratelimit.Limiter,
	policy ratelimit.PolicySource,
	logger *slog.Logger,
	reg *metrics.Registry,
) *PushProcessor {
	return &PushProcessor{
		transport: transport,
		registry:  registry,
		confirms:  confirms,
		logger:    logger,
		metrics:   reg,
		gate:      &gate{limiter: limiter, policy: policy},
		breaker: gobreaker.NewCircuitBreaker[*PushReceipt](gobreaker.Settings{
			Name:    "push-transport",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		timeout: defaultAttemptTimeout,
		now:     time.Now,
	}
}

func (p *PushProcessor) Channel() notification.Channel { return notification.ChannelPush }

func (p *PushProcessor) Stats() StatsSnapshot { return p.stats.Snapshot() }

func (p *PushProcessor) Process(ctx context.Context, n *notification.Notification) Result {
	if !n.HasChannel(notification.ChannelPush) {
		return skipped()
	}

	if !p.gate.allow(ctx, notification.ChannelPush, n.TenantID) {
		p.metrics.RateLimitDenied.WithLabelValues("push").Inc()
		return failed(notification.ChannelPush, false, errRateLimited)
	}

	tokens, err := p.registry.TokensForTenant(ctx, n.TenantID, n.Targeting.UserIDs)
	if err != nil {
		return p.fail(n, err, false)
	}
	if len(tokens) == 0 {
		return p.fail(n, errNoDeviceTokens, true)
	}

	started := p.now()
	p.stats.RecordSent()
	p.confirms.RecordSent(n.ID, n.TenantID, notification.ChannelPush, confirm.Meta{})

	msg := p.buildMessage(n, tokens)

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	receipt, err := p.breaker.Execute(func() (*PushReceipt, error) {
		return p.transport.Send(callCtx, msg)
	})
	if err != nil {
		return p.fail(n, err, false)
	}

	if len(receipt.InvalidTokens) > 0 {
		if derr := p.registry.Deactivate(ctx, n.TenantID, receipt.InvalidTokens); derr != nil {
			p.logger.Warn("token deactivation failed",
				"organization_id", n.TenantID, "count", len(receipt.InvalidTokens), "err", derr)
		}
	}

	if receipt.Delivered == 0 {
		return p.fail(n, errors.New("provider delivered to no devices"), false)
	}

	p.stats.RecordDelivered(p.now().Sub(started))
	p.metrics.ChannelDelivered.WithLabelValues("push").Inc()
	p.confirms.RecordDelivered(n.ID, n.TenantID, notification.ChannelPush, confirm.Meta{})
	return delivered(notification.ChannelPush)
}

func (p *PushProcessor) fail(n *notification.Notification, err error, permanent bool) Result {
	p.stats.RecordFailed()
	p.metrics.ChannelFailed.WithLabelValues("push").Inc()
	p.confirms.RecordFailed(n.ID, n.TenantID, notification.ChannelPush,
		confirm.Meta{ErrorText: err.Error()})
	return failed(notification.ChannelPush, permanent, err)
}

func (p *PushProcessor) buildMessage(n *notification.Notification, tokens []DeviceToken) *PushMessage {
	title, body := renderContent(&n.Payload)

	raw := make([]string, len(tokens))
	for i, t := range tokens {
		raw[i] = t.Token
	}

	badge, _ := n.Payload.Data["badge"].(string)
	sound, _ := n.Payload.Data["sound"].(string)
	clickAction, _ := n.Payload.Data["clickAction"].(string)

	return &PushMessage{
		Tokens:       raw,
		Title:        title,
		Body:         body,
		Data:         n.Payload.Data,
		HighPriority: n.Priority >= notification.PriorityUrgent,
		TTL:          defaultPushTTL,
		Badge:        badge,
		Sound:        sound,
		ClickAction:  clickAction,
	}
}
