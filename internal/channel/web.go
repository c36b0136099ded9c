package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pulseline/pulseline/internal/confirm"
	"github.com/pulseline/pulseline/internal/domain/notification"
	"github.com/pulseline/pulseline/internal/fabric"
	"github.com/pulseline/pulseline/internal/metrics"
	"github.com/pulseline/pulseline/internal/ratelimit"
)

// Broadcaster is the narrow slice of the real-time fabric the web processor
// needs. The fabric provides it; depending on the interface instead of the
// hub keeps the dependency one-directional.
type Broadcaster interface {
	SendToOrganization(tenant string, f *fabric.Frame) (sent, matched int)
	SendToSite(site string, f *fabric.Frame) (sent, matched int)
	SendToUser(user string, f *fabric.Frame) (sent, matched int)
	SendToChannel(channel string, f *fabric.Frame) (sent, matched int)
}

// DisplayOptions tell the client how to render an in-app notification.
type DisplayOptions struct {
	Style    string `json:"style"`
	Position string `json:"position"`
	Duration string `json:"duration"`
}

// webPayload is the frame body pushed to live subscribers.
type webPayload struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Tenant    string         `json:"organizationId"`
	Site      string         `json:"siteId,omitempty"`
	Priority  string         `json:"priority"`
	Display   DisplayOptions `json:"display"`
	Image     string         `json:"image,omitempty"`
}

// WebProcessor delivers through live subscriber connections.
type WebProcessor struct {
	broadcaster Broadcaster
	confirms    *confirm.Store
	logger      *slog.Logger
	metrics     *metrics.Registry
	gate        *gate
	stats       Stats
	now         func() time.Time
}

var _ Processor = (*WebProcessor)(nil)

func NewWebProcessor(
	b Broadcaster,
	confirms *confirm.Store,
	limiter *ratelimit.Limiter,
	policy ratelimit.PolicySource,
	logger *slog.Logger,
	reg *metrics.Registry,
) *WebProcessor {
	return &WebProcessor{
		broadcaster: b,
		confirms:    confirms,
		logger:      logger,
		metrics:     reg,
		gate:        &gate{limiter: limiter, policy: policy},
		now:         time.Now,
	}
}

func (p *WebProcessor) Channel() notification.Channel { return notification.ChannelWeb }

func (p *WebProcessor) Stats() StatsSnapshot { return p.stats.Snapshot() }

func (p *WebProcessor) Process(ctx context.Context, n *notification.Notification) Result {
	if !n.HasChannel(notification.ChannelWeb) {
		return skipped()
	}

	if !p.gate.allow(ctx, notification.ChannelWeb, n.TenantID) {
		p.metrics.RateLimitDenied.WithLabelValues("web").Inc()
		return failed(notification.ChannelWeb, false, errRateLimited)
	}

	started := p.now()
	p.stats.RecordSent()
	p.confirms.RecordSent(n.ID, n.TenantID, notification.ChannelWeb, confirm.Meta{})

	frame := &fabric.Frame{
		Type:      fabric.FrameNotification,
		ID:        n.ID,
		Data:      p.buildPayload(n),
		Timestamp: started,
	}

	sent, matched := p.target(n, frame)
	switch {
	case matched == 0:
		p.stats.RecordFailed()
		p.metrics.ChannelFailed.WithLabelValues("web").Inc()
		p.confirms.RecordFailed(n.ID, n.TenantID, notification.ChannelWeb,
			confirm.Meta{ErrorText: "no active connections"})
		return failed(notification.ChannelWeb, false, errors.New("no active connections"))
	case sent == 0:
		p.stats.RecordFailed()
		p.metrics.ChannelFailed.WithLabelValues("web").Inc()
		p.confirms.RecordFailed(n.ID, n.TenantID, notification.ChannelWeb,
			confirm.Meta{ErrorText: "all connections rejected the frame"})
		return failed(notification.ChannelWeb, false, errors.New("all connections rejected the frame"))
	case sent < matched:
		// Partial fan-out still counts as delivered for this channel.
		p.logger.Debug("partial web delivery",
			"notification_id", n.ID, "sent", sent, "matched", matched)
	}

	p.stats.RecordDelivered(p.now().Sub(started))
	p.metrics.ChannelDelivered.WithLabelValues("web").Inc()
	p.confirms.RecordDelivered(n.ID, n.TenantID, notification.ChannelWeb, confirm.Meta{})
	return delivered(notification.ChannelWeb)
}

// target picks the narrowest audience the notification names: explicit users
// first, then the site, then the whole tenant.
func (p *WebProcessor) target(n *notification.Notification, f *fabric.Frame) (sent, matched int) {
	if len(n.Targeting.UserIDs) > 0 {
		for _, user := range n.Targeting.UserIDs {
			s, m := p.broadcaster.SendToUser(user, f)
			sent += s
			matched += m
		}
		return sent, matched
	}
	if n.SiteID != "" {
		return p.broadcaster.SendToSite(n.SiteID, f)
	}
	return p.broadcaster.SendToOrganization(n.TenantID, f)
}

func (p *WebProcessor) buildPayload(n *notification.Notification) *webPayload {
	title, body := renderContent(&n.Payload)

	image, _ := n.Payload.Data["image"].(string)
	return &webPayload{
		ID:        n.ID,
		Type:      n.Payload.Type,
		Title:     title,
		Body:      body,
		Data:      n.Payload.Data,
		Timestamp: p.now(),
		Tenant:    n.TenantID,
		Site:      n.SiteID,
		Priority:  n.Priority.String(),
		Display:   displayFor(n.Priority),
		Image:     image,
	}
}

// displayFor maps priority to client rendering hints. Urgent and above get
// an interrupting modal; everything else a transient toast.
func displayFor(p notification.Priority) DisplayOptions {
	if p >= notification.PriorityUrgent {
		return DisplayOptions{Style: "modal", Position: "center", Duration: "long"}
	}
	return DisplayOptions{Style: "toast", Position: "bottom-right", Duration: "short"}
}

// renderContent uses the payload's own title/message when present, otherwise
// synthesizes them from the event type.
func renderContent(p *notification.Payload) (title, body string) {
	if p.Title != "" || p.Message != "" {
		return p.Title, p.Message
	}

	switch p.Type {
	case "order", "purchase":
		name := stringField(p.Data, "customer", "name")
		if name == "" {
			name = "Someone"
		}
		product := stringField(p.Data, "product", "name")
		location := stringField(p.Data, "customer", "location")
		msg := fmt.Sprintf("%s just bought %s", name, product)
		if location != "" {
			msg += " from " + location
		}
		return "🛍️ New Purchase!", msg
	case "signup", "welcome":
		return "👋 Welcome!", "A new member just joined"
	default:
		return "Notification", "You have a new notification"
	}
}

// stringField digs data[outer][inner] as a string, tolerating missing maps.
func stringField(data map[string]any, outer, inner string) string {
	m, ok := data[outer].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[inner].(string)
	return s
}
