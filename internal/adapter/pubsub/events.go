package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/pulseline/pulseline/internal/domain/notification"
)

// EventPublisher pushes delivery lifecycle events onto the bus so downstream
// systems (analytics, audit) can consume them without polling the API.
type EventPublisher struct {
	publisher message.Publisher
	exchange  string
	logger    *slog.Logger
}

func NewEventPublisher(pub message.Publisher, exchange string, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{publisher: pub, exchange: exchange, logger: logger}
}

// lifecycleEvent is the wire form of one dispatcher transition.
type lifecycleEvent struct {
	Type           string    `json:"type"`
	NotificationID string    `json:"notificationId"`
	OrganizationID string    `json:"organizationId"`
	Status         string    `json:"status"`
	Delivered      []string  `json:"deliveredChannels,omitempty"`
	Failed         []string  `json:"failedChannels,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PublishTransition emits one event, keyed "<exchange>.<type>".
func (p *EventPublisher) PublishTransition(ctx context.Context, kind string, n *notification.Notification, at time.Time) error {
	ev := lifecycleEvent{
		Type:           kind,
		NotificationID: n.ID,
		OrganizationID: n.TenantID,
		Status:         string(n.Status),
		Error:          n.LastError,
		Timestamp:      at,
	}
	for _, ch := range n.Delivered {
		ev.Delivered = append(ev.Delivered, string(ch))
	}
	for _, ch := range n.FailedChannels {
		ev.Failed = append(ev.Failed, string(ch))
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	topic := p.exchange + "." + kind
	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish lifecycle event to %s: %w", topic, err)
	}
	return nil
}

// Publish is the observer form; failures are logged, never propagated back
// into the dispatcher worker.
func (p *EventPublisher) Publish(kind string, n *notification.Notification, at time.Time) {
	if err := p.PublishTransition(context.Background(), kind, n, at); err != nil {
		p.logger.Error("lifecycle event publish failed",
			"notification_id", n.ID,
			"type", kind,
			"err", err,
		)
	}
}
