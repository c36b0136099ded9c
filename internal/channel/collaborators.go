package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// EmailMessage is the provider-agnostic payload handed to an email transport.
type EmailMessage struct {
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	TemplateID string            `json:"templateId"`
	Variables  map[string]string `json:"variables,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// EmailTransport hands a message to an external email provider and returns
// the provider's message ID. Bounce/open/click events arrive asynchronously
// through the provider's webhooks.
type EmailTransport interface {
	Send(ctx context.Context, msg *EmailMessage) (providerID string, err error)
}

// PushMessage is the provider-agnostic payload handed to a push transport.
type PushMessage struct {
	Tokens       []string       `json:"tokens"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	Data         map[string]any `json:"data,omitempty"`
	HighPriority bool           `json:"highPriority"`
	TTL          time.Duration  `json:"ttl"`
	Badge        string         `json:"badge,omitempty"`
	Sound        string         `json:"sound,omitempty"`
	ClickAction  string         `json:"clickAction,omitempty"`
}

// PushReceipt reports per-token outcomes from the push provider.
type PushReceipt struct {
	Delivered     int
	InvalidTokens []string
}

// PushTransport hands a message to an external push provider.
type PushTransport interface {
	Send(ctx context.Context, msg *PushMessage) (*PushReceipt, error)
}

// DeviceToken is one push registration owned by a tenant.
type DeviceToken struct {
	Token  string `json:"token"`
	UserID string `json:"userId,omitempty"`
	Active bool   `json:"active"`
}

// TokenRegistry resolves the active device tokens of a tenant and retires
// tokens the provider reports as invalid.
type TokenRegistry interface {
	TokensForTenant(ctx context.Context, tenant string, userIDs []string) ([]DeviceToken, error)
	Deactivate(ctx context.Context, tenant string, tokens []string) error
}

// UserDirectory resolves a user's email address.
type UserDirectory interface {
	Email(ctx context.Context, tenant, userID string) (string, error)
}

// CachedTokenRegistry caches per-tenant token sets in front of a slower
// registry. Deactivation invalidates the tenant's cache entry so the next
// lookup sees the retired tokens gone.
type CachedTokenRegistry struct {
	inner TokenRegistry
	cache *expirable.LRU[string, []DeviceToken]
}

func NewCachedTokenRegistry(inner TokenRegistry, size int, ttl time.Duration) *CachedTokenRegistry {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedTokenRegistry{
		inner: inner,
		cache: expirable.NewLRU[string, []DeviceToken](size, nil, ttl),
	}
}

var _ TokenRegistry = (*CachedTokenRegistry)(nil)

func (r *CachedTokenRegistry) TokensForTenant(ctx context.Context, tenant string, userIDs []string) ([]DeviceToken, error) {
	// Only the unfiltered tenant set is cached; user-filtered lookups
	// filter the cached set in place.
	tokens, ok := r.cache.Get(tenant)
	if !ok {
		var err error
		tokens, err = r.inner.TokensForTenant(ctx, tenant, nil)
		if err != nil {
			return nil, err
		}
		r.cache.Add(tenant, tokens)
	}

	if len(userIDs) == 0 {
		return tokens, nil
	}
	wanted := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = struct{}{}
	}
	out := make([]DeviceToken, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := wanted[t.UserID]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *CachedTokenRegistry) Deactivate(ctx context.Context, tenant string, tokens []string) error {
	r.cache.Remove(tenant)
	return r.inner.Deactivate(ctx, tenant, tokens)
}

// logEmailTransport is the default transport used until a real provider is
// wired in: it logs the message and reports success.
type logEmailTransport struct {
	logger *slog.Logger
}

func NewLogEmailTransport(logger *slog.Logger) EmailTransport {
	return &logEmailTransport{logger: logger}
}

func (t *logEmailTransport) Send(_ context.Context, msg *EmailMessage) (string, error) {
	t.logger.Info("email transport (log only)",
		"to", msg.To,
		"subject", msg.Subject,
		"template_id", msg.TemplateID,
	)
	return "log-" + msg.TemplateID, nil
}

// logPushTransport is the default push transport: logs and reports every
// token delivered.
type logPushTransport struct {
	logger *slog.Logger
}

func NewLogPushTransport(logger *slog.Logger) PushTransport {
	return &logPushTransport{logger: logger}
}

func (t *logPushTransport) Send(_ context.Context, msg *PushMessage) (*PushReceipt, error) {
	t.logger.Info("push transport (log only)",
		"tokens", len(msg.Tokens),
		"title", msg.Title,
		"high_priority", msg.HighPriority,
	)
	return &PushReceipt{Delivered: len(msg.Tokens)}, nil
}

// MemoryTokenRegistry is the default in-process registry used for wiring and
// tests.
type MemoryTokenRegistry struct {
	mu     sync.Mutex
	tokens map[string][]DeviceToken
}

var _ TokenRegistry = (*MemoryTokenRegistry)(nil)

func NewMemoryTokenRegistry() *MemoryTokenRegistry {
	return &MemoryTokenRegistry{tokens: make(map[string][]DeviceToken)}
}

func (r *MemoryTokenRegistry) Add(tenant string, t DeviceToken) {
	r.mu.Lock()
	r.tokens[tenant] = append(r.tokens[tenant], t)
	r.mu.Unlock()
}

func (r *MemoryTokenRegistry) TokensForTenant(_ context.Context, tenant string, userIDs []string) ([]DeviceToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var wanted map[string]struct{}
	if len(userIDs) > 0 {
		wanted = make(map[string]struct{}, len(userIDs))
		for _, id := range userIDs {
			wanted[id] = struct{}{}
		}
	}

	var out []DeviceToken
	for _, t := range r.tokens[tenant] {
		if !t.Active {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[t.UserID]; !ok {
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *MemoryTokenRegistry) Deactivate(_ context.Context, tenant string, tokens []string) error {
	dead := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		dead[t] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.tokens[tenant]
	for i := range set {
		if _, ok := dead[set[i].Token]; ok {
			set[i].Active = false
		}
	}
	return nil
}

// emptyDirectory is the default user directory: it resolves nobody.
type emptyDirectory struct{}

func NewEmptyUserDirectory() UserDirectory { return emptyDirectory{} }

func (emptyDirectory) Email(context.Context, string, string) (string, error) {
	return "", nil
}
