// Package notification holds the core delivery entities shared by the
// dispatcher, the channel router and the per-channel processors.
package notification

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies a transport family a notification can be delivered over.
type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Channels lists every channel the system knows about, in fan-out order.
var Channels = []Channel{ChannelWeb, ChannelEmail, ChannelPush}

// Valid reports whether c names a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// Priority orders notifications inside the dispatcher queue.
// Higher values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

// PriorityLevels is the number of distinct queue buckets.
const PriorityLevels = 5

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// ParsePriority maps the wire name back to a Priority. Unknown names yield
// PriorityNormal so that callers never enqueue an unorderable item.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "normal":
		return PriorityNormal
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	case "critical":
		return PriorityCritical
	}
	return PriorityNormal
}

// Status is the dispatcher-owned lifecycle state of a notification.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further dispatch may happen from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusExpired
}

// Payload carries the renderable content of a notification.
type Payload struct {
	Type       string            `json:"type"`
	Title      string            `json:"title,omitempty"`
	Message    string            `json:"message,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	TemplateID string            `json:"templateId,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// Targeting selects the recipients of a notification.
type Targeting struct {
	UserIDs    []string          `json:"userIds,omitempty"`
	Segments   []string          `json:"segments,omitempty"`
	Conditions map[string]string `json:"conditions,omitempty"`
}

// Scheduling bounds when a notification may be dispatched.
type Scheduling struct {
	SendAt    *time.Time `json:"sendAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`
}

// DeliveryPolicy governs the dispatcher retry engine for one notification.
// MaxAttempts counts the initial attempt, so MaxAttempts = retries + 1.
type DeliveryPolicy struct {
	MaxAttempts  int           `json:"maxAttempts"`
	RetryDelay   time.Duration `json:"retryDelay"`
	RetryBackoff float64       `json:"retryBackoff"`
}

// Metadata is free-form provenance carried along for analytics.
type Metadata struct {
	CampaignID string    `json:"campaignId,omitempty"`
	Variant    string    `json:"variant,omitempty"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Notification is the unit of work flowing through the pipeline.
//
// Runtime state (Status, Attempts, Delivered, FailedChannels, ...) is mutated
// only by the dispatcher worker currently owning the notification; everything
// else is set once at enqueue time.
type Notification struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"organizationId"`
	SiteID    string  `json:"siteId,omitempty"`
	SessionID string  `json:"sessionId,omitempty"`

	Priority   Priority       `json:"priority"`
	Channels   []Channel      `json:"channels"`
	Payload    Payload        `json:"payload"`
	Targeting  Targeting      `json:"targeting"`
	Scheduling Scheduling     `json:"scheduling"`
	Policy     DeliveryPolicy `json:"policy"`
	Metadata   Metadata       `json:"metadata"`

	Status         Status    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastAttempt    time.Time `json:"lastAttempt,omitzero"`
	LastError      string    `json:"lastError,omitempty"`
	Delivered      []Channel `json:"deliveredChannels,omitempty"`
	FailedChannels []Channel `json:"failedChannels,omitempty"`
}

// NewID returns a fresh notification identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks the enqueue-time invariants. Runtime state is not examined.
func (n *Notification) Validate() error {
	if n.TenantID == "" {
		return ErrMissingTenant
	}
	if !n.Priority.Valid() {
		return ErrInvalidPriority
	}
	if len(n.Channels) == 0 {
		return ErrNoChannels
	}
	for _, c := range n.Channels {
		if !c.Valid() {
			return ErrUnknownChannel
		}
	}
	if n.Policy.MaxAttempts < 1 {
		return ErrInvalidPolicy
	}
	if n.Policy.RetryBackoff < 1 {
		return ErrInvalidPolicy
	}
	return nil
}

// HasChannel reports whether c is in the notification's requested set.
func (n *Notification) HasChannel(c Channel) bool {
	for _, ch := range n.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// MarkDelivered moves c into the delivered set, keeping the
// delivered/failed sets disjoint.
func (n *Notification) MarkDelivered(c Channel) {
	n.FailedChannels = removeChannel(n.FailedChannels, c)
	if !containsChannel(n.Delivered, c) {
		n.Delivered = append(n.Delivered, c)
	}
}

// MarkFailed moves c into the failed set unless it was already delivered.
func (n *Notification) MarkFailed(c Channel) {
	if containsChannel(n.Delivered, c) {
		return
	}
	if !containsChannel(n.FailedChannels, c) {
		n.FailedChannels = append(n.FailedChannels, c)
	}
}

// RetryDelay returns the backoff delay that must elapse before attempt
// number (attempts+1), capped at max.
func (n *Notification) RetryDelay(max time.Duration) time.Duration {
	d := n.Policy.RetryDelay
	for i := 1; i < n.Attempts; i++ {
		d = time.Duration(float64(d) * n.Policy.RetryBackoff)
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// Clone returns a deep-enough copy for read-only callers: channel slices are
// duplicated, payload maps are shared.
func (n *Notification) Clone() *Notification {
	c := *n
	c.Channels = append([]Channel(nil), n.Channels...)
	c.Delivered = append([]Channel(nil), n.Delivered...)
	c.FailedChannels = append([]Channel(nil), n.FailedChannels...)
	c.Targeting.UserIDs = append([]string(nil), n.Targeting.UserIDs...)
	return &c
}

func containsChannel(set []Channel, c Channel) bool {
	for _, ch := range set {
		if ch == c {
			return true
		}
	}
	return false
}

func removeChannel(set []Channel, c Channel) []Channel {
	out := set[:0]
	for _, ch := range set {
		if ch != c {
			out = append(out, ch)
		}
	}
	return out
}
