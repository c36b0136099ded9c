// Package confirm tracks delivery-state transitions for every
// (notification, channel) pair and rolls them up into analytics.
package confirm

import (
	"time"

	"github.com/google/uuid"

	"github.com/pulseline/pulseline/internal/domain/notification"
)

// Status is one step of the delivery-state progression.
type Status string

const (
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusRead         Status = "read"
	StatusClicked      Status = "clicked"
	StatusFailed       Status = "failed"
	StatusBounced      Status = "bounced"
	StatusUnsubscribed Status = "unsubscribed"
)

// Meta carries transport-level detail attached to a confirmation.
type Meta struct {
	UserAgent         string `json:"userAgent,omitempty"`
	IP                string `json:"ip,omitempty"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	ErrorCode         string `json:"errorCode,omitempty"`
	ErrorText         string `json:"errorText,omitempty"`
	ClickedURL        string `json:"clickedUrl,omitempty"`
}

// Confirmation is one append-only record of a status transition. Once
// recorded it is never rewritten.
type Confirmation struct {
	ID             string               `json:"id"`
	NotificationID string               `json:"notificationId"`
	TenantID       string               `json:"organizationId"`
	Channel        notification.Channel `json:"channel"`
	Status         Status               `json:"status"`
	Timestamp      time.Time            `json:"timestamp"`
	Meta           Meta                 `json:"metadata,omitzero"`
}

func newID() string {
	return uuid.NewString()
}
