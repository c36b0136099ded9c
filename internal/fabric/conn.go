// Package fabric manages the long-lived subscriber connections used by the
// web channel: a push-stream (SSE) transport and a bidirectional WebSocket
// transport, both multiplexed through one Hub.
package fabric

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind is the transport family of a connection.
type Kind string

const (
	KindPushStream    Kind = "sse"
	KindBidirectional Kind = "websocket"
)

// Frame is the unit written to a subscriber. Over the push-stream transport
// Type becomes the SSE event name and Data the event body; over the
// bidirectional transport the whole frame is serialized as one JSON message.
type Frame struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Frame type tags.
const (
	FrameConnected    = "connected"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FrameNotification = "notification"
	FrameError        = "error"
)

// Params are the identity attributes presented at handshake.
type Params struct {
	TenantID  string
	SiteID    string
	UserID    string
	SessionID string
}

// Conn is one live subscriber. Subscription mutations are serialized by the
// connection's own mutex; activity stamps are atomic so the heartbeat sweep
// never contends with delivery.
type Conn struct {
	ID          string
	Kind        Kind
	TenantID    string
	SiteID      string
	UserID      string
	SessionID   string
	ConnectedAt time.Time
	Metadata    map[string]string

	mu   sync.Mutex
	subs map[string]struct{}

	send         chan *Frame
	done         chan struct{}
	closeOnce    sync.Once
	closeReason  atomic.Value // string
	lastActivity atomic.Int64 // unix nanos
}

const sendBuffer = 64

// NewConn builds a registered-but-unattached connection. The caller hands it
// to Hub.Register after the transport handshake succeeds.
func NewConn(kind Kind, p Params, now time.Time) *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		Kind:        kind,
		TenantID:    p.TenantID,
		SiteID:      p.SiteID,
		UserID:      p.UserID,
		SessionID:   p.SessionID,
		ConnectedAt: now,
		subs:        make(map[string]struct{}),
		send:        make(chan *Frame, sendBuffer),
		done:        make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Send queues a frame for the transport writer. It reports false when the
// connection is closed or its buffer is saturated; the caller counts that as
// a per-connection delivery failure.
func (c *Conn) Send(f *Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Frames is the transport writer's inbound queue.
func (c *Conn) Frames() <-chan *Frame { return c.send }

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Touch records inbound activity (any message or pong).
func (c *Conn) Touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// LastActivity returns the most recent inbound activity stamp.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Close moves the connection to its terminal state. Idempotent; the first
// reason wins.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		close(c.done)
	})
}

// CloseReason returns the recorded close reason, if any.
func (c *Conn) CloseReason() string {
	if v := c.closeReason.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// AuthorizedChannel reports whether this connection may subscribe to the
// named channel: the name must be scoped to the connection's own tenant,
// site, or user.
func (c *Conn) AuthorizedChannel(channel string) bool {
	switch {
	case strings.HasPrefix(channel, "org:"):
		return strings.TrimPrefix(channel, "org:") == c.TenantID
	case strings.HasPrefix(channel, "site:"):
		return c.SiteID != "" && strings.TrimPrefix(channel, "site:") == c.SiteID
	case strings.HasPrefix(channel, "user:"):
		return c.UserID != "" && strings.TrimPrefix(channel, "user:") == c.UserID
	}
	return false
}

// Subscribe adds the channel to the subscription set after authorization.
func (c *Conn) Subscribe(channel string) bool {
	if !c.AuthorizedChannel(channel) {
		return false
	}
	c.mu.Lock()
	c.subs[channel] = struct{}{}
	c.mu.Unlock()
	return true
}

// Unsubscribe removes the channel from the subscription set.
func (c *Conn) Unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()
}

// Subscribed reports membership in the subscription set.
func (c *Conn) Subscribed(channel string) bool {
	c.mu.Lock()
	_, ok := c.subs[channel]
	c.mu.Unlock()
	return ok
}

// Subscriptions returns a copy of the subscription set.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	return out
}
