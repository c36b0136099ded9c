package notification

import "errors"

var (
	ErrMissingTenant   = errors.New("organization id is required")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrNoChannels      = errors.New("at least one channel is required")
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrInvalidPolicy   = errors.New("invalid delivery policy")

	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
	ErrNotFound    = errors.New("notification not found")
)
