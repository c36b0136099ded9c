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

// errNoRecipient is permanent: retrying cannot conjure an address.
var errNoRecipient = errors.New("invalid email: no recipient")

const defaultAttemptTimeout = 10 * time.Second

// EmailProcessor delivers through an external email provider. The provider
// call is wrapped in a circuit breaker so a dead provider sheds load fast
// instead of stacking timeouts.
type EmailProcessor struct {
	transport EmailTransport
	directory UserDirectory
	confirms  *confirm.Store
	logger    *slog.Logger
	metrics   *metrics.Registry
	gate      *gate
	breaker   *gobreaker.CircuitBreaker[string]
	stats     Stats
	timeout   time.Duration
	now       func() time.Time
}

var _ Processor = (*EmailProcessor)(nil)

func NewEmailProcessor(
	transport EmailTransport,
	directory UserDirectory,
	confirms *confirm.Store,
	limiter *ratelimit.Limiter,
	policy ratelimit.PolicySource,
	logger *slog.Logger,
	reg *metrics.Registry,
) *EmailProcessor {
	return &EmailProcessor{
		transport: transport,
		directory: directory,
		confirms:  confirms,
		logger:    logger,
		metrics:   reg,
		gate:      &gate{limiter: limiter, policy: policy},
		breaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:    "email-transport",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		timeout: defaultAttemptTimeout,
		now:     time.Now,
	}
}

func (p *EmailProcessor) Channel() notification.Channel { return notification.ChannelEmail }

func (p *EmailProcessor) Stats() StatsSnapshot { return p.stats.Snapshot() }

func (p *EmailProcessor) Process(ctx context.Context, n *notification.Notification) Result {
	if !n.HasChannel(notification.ChannelEmail) {
		return skipped()
	}

	if !p.gate.allow(ctx, notification.ChannelEmail, n.TenantID) {
		p.metrics.RateLimitDenied.WithLabelValues("email").Inc()
		return failed(notification.ChannelEmail, false, errRateLimited)
	}

	recipient, err := p.resolveRecipient(ctx, n)
	if err != nil {
		return p.fail(n, err, true)
	}

	started := p.now()
	p.stats.RecordSent()
	p.confirms.RecordSent(n.ID, n.TenantID, notification.ChannelEmail, confirm.Meta{})

	title, body := renderContent(&n.Payload)
	msg := &EmailMessage{
		To:         recipient,
		Subject:    title,
		TemplateID: templateFor(&n.Payload),
		Variables:  n.Payload.Variables,
		Body:       body,
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	providerID, err := p.breaker.Execute(func() (string, error) {
		return p.transport.Send(callCtx, msg)
	})
	if err != nil {
		return p.fail(n, err, false)
	}

	p.stats.RecordDelivered(p.now().Sub(started))
	p.metrics.ChannelDelivered.WithLabelValues("email").Inc()
	p.confirms.RecordDelivered(n.ID, n.TenantID, notification.ChannelEmail,
		confirm.Meta{ProviderMessageID: providerID})
	return delivered(notification.ChannelEmail)
}

func (p *EmailProcessor) fail(n *notification.Notification, err error, permanent bool) Result {
	p.stats.RecordFailed()
	p.metrics.ChannelFailed.WithLabelValues("email").Inc()
	p.confirms.RecordFailed(n.ID, n.TenantID, notification.ChannelEmail,
		confirm.Meta{ErrorText: err.Error()})
	p.logger.Warn("email delivery failed",
		"notification_id", n.ID, "permanent", permanent, "err", err)
	return failed(notification.ChannelEmail, permanent, err)
}

// resolveRecipient prefers the customer email carried in the payload, then
// falls back to a directory lookup for the first targeted user.
func (p *EmailProcessor) resolveRecipient(ctx context.Context, n *notification.Notification) (string, error) {
	if email := stringField(n.Payload.Data, "customer", "email"); email != "" {
		return email, nil
	}
	for _, user := range n.Targeting.UserIDs {
		email, err := p.directory.Email(ctx, n.TenantID, user)
		if err != nil {
			return "", err
		}
		if email != "" {
			return email, nil
		}
	}
	return "", errNoRecipient
}

// templateFor picks the provider template by event type. An explicit
// template reference on the payload always wins.
func templateFor(p *notification.Payload) string {
	if p.TemplateID != "" {
		return p.TemplateID
	}
	switch p.Type {
	case "order", "purchase":
		return "order-confirmation"
	case "welcome", "signup":
		return "welcome"
	case "notification":
		return "notification"
	}
	return "default"
}
