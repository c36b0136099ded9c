package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pulseline/pulseline/internal/confirm"
	"github.com/pulseline/pulseline/internal/domain/notification"
	"github.com/pulseline/pulseline/internal/fabric"
	"github.com/pulseline/pulseline/internal/metrics"
	"github.com/pulseline/pulseline/internal/ratelimit"
)

func testDeps(t *testing.T) (*confirm.Store, *ratelimit.Limiter, *slog.Logger, *metrics.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := metrics.NewRegistry()
	confirms := confirm.NewStore(confirm.Config{}, logger, reg)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(128, time.Minute), logger)
	return confirms, limiter, logger, reg
}

func openPolicy() ratelimit.PolicySource {
	return ratelimit.StaticPolicy(ratelimit.Policy{Strategy: ratelimit.StrategyFixedWindow, Limit: 1000, Window: time.Minute})
}

func closedPolicy() ratelimit.PolicySource {
	return ratelimit.StaticPolicy(ratelimit.Policy{Strategy: ratelimit.StrategyFixedWindow, Limit: 0, Window: time.Minute})
}

func orderNotification(channels ...notification.Channel) *notification.Notification {
	return &notification.Notification{
		ID:       notification.NewID(),
		TenantID: "acme",
		SiteID:   "store-1",
		Priority: notification.PriorityNormal,
		Channels: channels,
		Payload: notification.Payload{
			Type: "order",
			Data: map[string]any{
				"customer": map[string]any{"name": "Ada", "location": "Lisbon", "email": "ada@example.com"},
				"product":  map[string]any{"name": "a keyboard"},
			},
		},
		Policy: notification.DeliveryPolicy{MaxAttempts: 3, RetryDelay: time.Second, RetryBackoff: 2},
	}
}

// fakeBroadcaster records the last frame and returns scripted counts.
type fakeBroadcaster struct {
	sent, matched int
	lastFrame     *fabric.Frame
	byUser        map[string][2]int
}

func (f *fakeBroadcaster) SendToOrganization(_ string, fr *fabric.Frame) (int, int) {
	f.lastFrame = fr
	return f.sent, f.matched
}

func (f *fakeBroadcaster) SendToSite(_ string, fr *fabric.Frame) (int, int) {
	f.lastFrame = fr
	return f.sent, f.matched
}

func (f *fakeBroadcaster) SendToUser(user string, fr *fabric.Frame) (int, int) {
	f.lastFrame = fr
	if c, ok := f.byUser[user]; ok {
		return c[0], c[1]
	}
	return f.sent, f.matched
}

func (f *fakeBroadcaster) SendToChannel(_ string, fr *fabric.Frame) (int, int) {
	f.lastFrame = fr
	return f.sent, f.matched
}

func TestWebProcessorSkipsForeignChannel(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	p := NewWebProcessor(&fakeBroadcaster{}, confirms, limiter, openPolicy(), logger, reg)

	res := p.Process(context.Background(), orderNotification(notification.ChannelEmail))
	if !res.Success || len(res.Delivered) != 0 || len(res.Failed) != 0 {
		t.Fatalf("Process for absent channel = %+v, want empty success", res)
	}
}

func TestWebProcessorDelivers(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	b := &fakeBroadcaster{sent: 2, matched: 2}
	p := NewWebProcessor(b, confirms, limiter, openPolicy(), logger, reg)

	n := orderNotification(notification.ChannelWeb)
	res := p.Process(context.Background(), n)
	if !res.Success || len(res.Delivered) != 1 || res.Delivered[0] != notification.ChannelWeb {
		t.Fatalf("Process = %+v, want web delivered", res)
	}

	payload, ok := b.lastFrame.Data.(*webPayload)
	if !ok {
		t.Fatalf("frame data is %T, want *webPayload", b.lastFrame.Data)
	}
	if payload.Title != "🛍️ New Purchase!" {
		t.Errorf("synthesized title = %q", payload.Title)
	}
	if payload.Body != "Ada just bought a keyboard from Lisbon" {
		t.Errorf("synthesized body = %q", payload.Body)
	}
	if payload.Display.Style != "toast" || payload.Display.Position != "bottom-right" {
		t.Errorf("display options = %+v, want toast/bottom-right", payload.Display)
	}

	statuses := confirms.AggregateStatus(n.ID)[notification.ChannelWeb]
	if len(statuses) != 2 || statuses[0] != confirm.StatusSent || statuses[1] != confirm.StatusDelivered {
		t.Fatalf("confirmation trail = %v, want [sent delivered]", statuses)
	}
}

func TestWebProcessorDisplayByPriority(t *testing.T) {
	got := displayFor(notification.PriorityUrgent)
	want := DisplayOptions{Style: "modal", Position: "center", Duration: "long"}
	if got != want {
		t.Fatalf("displayFor(urgent) = %+v, want %+v", got, want)
	}
	if displayFor(notification.PriorityHigh).Style != "toast" {
		t.Fatal("high priority must not interrupt with a modal")
	}
}

func TestWebProcessorExplicitContentWins(t *testing.T) {
	p := &notification.Payload{Type: "order", Title: "Custom", Message: "Body"}
	title, body := renderContent(p)
	if title != "Custom" || body != "Body" {
		t.Fatalf("renderContent = (%q, %q), want explicit content", title, body)
	}
}

func TestWebProcessorNoConnections(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	p := NewWebProcessor(&fakeBroadcaster{}, confirms, limiter, openPolicy(), logger, reg)

	res := p.Process(context.Background(), orderNotification(notification.ChannelWeb))
	if res.Success || res.Permanent {
		t.Fatalf("Process with no connections = %+v, want retryable failure", res)
	}
	if len(res.Failed) != 1 || res.Failed[0] != notification.ChannelWeb {
		t.Fatalf("failed set = %v", res.Failed)
	}
}

func TestWebProcessorPartialCountsAsDelivered(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	p := NewWebProcessor(&fakeBroadcaster{sent: 1, matched: 3}, confirms, limiter, openPolicy(), logger, reg)

	res := p.Process(context.Background(), orderNotification(notification.ChannelWeb))
	if !res.Success {
		t.Fatalf("partial fan-out = %+v, want success", res)
	}
}

func TestWebProcessorTargetsUsersFirst(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	b := &fakeBroadcaster{byUser: map[string][2]int{"alice": {1, 1}, "bob": {1, 1}}}
	p := NewWebProcessor(b, confirms, limiter, openPolicy(), logger, reg)

	n := orderNotification(notification.ChannelWeb)
	n.Targeting.UserIDs = []string{"alice", "bob"}
	res := p.Process(context.Background(), n)
	if !res.Success {
		t.Fatalf("user-targeted delivery = %+v, want success", res)
	}
}

func TestWebProcessorRateLimited(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	p := NewWebProcessor(&fakeBroadcaster{sent: 1, matched: 1}, confirms, limiter, closedPolicy(), logger, reg)

	res := p.Process(context.Background(), orderNotification(notification.ChannelWeb))
	if res.Success || res.Err == nil || res.Err.Error() != "rate limit exceeded" {
		t.Fatalf("Process under closed limit = %+v, want rate-limit failure", res)
	}
	if res.Permanent {
		t.Fatal("rate-limit denial must stay retryable")
	}
}

type fakeEmailTransport struct {
	err  error
	last *EmailMessage
}

func (f *fakeEmailTransport) Send(_ context.Context, msg *EmailMessage) (string, error) {
	f.last = msg
	if f.err != nil {
		return "", f.err
	}
	return "prov-123", nil
}

type staticDirectory map[string]string

func (d staticDirectory) Email(_ context.Context, _, user string) (string, error) {
	return d[user], nil
}

func TestEmailProcessorDelivers(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	transport := &fakeEmailTransport{}
	p := NewEmailProcessor(transport, NewEmptyUserDirectory(), confirms, limiter, openPolicy(), logger, reg)

	n := orderNotification(notification.ChannelEmail)
	res := p.Process(context.Background(), n)
	if !res.Success {
		t.Fatalf("Process = %+v, want success", res)
	}
	if transport.last.To != "ada@example.com" {
		t.Errorf("recipient = %q, want payload customer email", transport.last.To)
	}
	if transport.last.TemplateID != "order-confirmation" {
		t.Errorf("template = %q, want order-confirmation", transport.last.TemplateID)
	}

	trail := confirms.GetForNotification(n.ID)
	if len(trail) != 2 || trail[1].Meta.ProviderMessageID != "prov-123" {
		t.Fatalf("confirmation trail = %+v, want provider id recorded", trail)
	}
}

func TestEmailProcessorDirectoryFallback(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	transport := &fakeEmailTransport{}
	dir := staticDirectory{"bob": "bob@example.com"}
	p := NewEmailProcessor(transport, dir, confirms, limiter, openPolicy(), logger, reg)

	n := orderNotification(notification.ChannelEmail)
	n.Payload.Data = nil
	n.Payload.Type = "welcome"
	n.Targeting.UserIDs = []string{"bob"}

	res := p.Process(context.Background(), n)
	if !res.Success {
		t.Fatalf("Process = %+v, want success via directory", res)
	}
	if transport.last.To != "bob@example.com" {
		t.Errorf("recipient = %q, want directory lookup", transport.last.To)
	}
	if transport.last.TemplateID != "welcome" {
		t.Errorf("template = %q, want welcome", transport.last.TemplateID)
	}
}

func TestEmailProcessorNoRecipientIsPermanent(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	p := NewEmailProcessor(&fakeEmailTransport{}, NewEmptyUserDirectory(), confirms, limiter, openPolicy(), logger, reg)

	n := orderNotification(notification.ChannelEmail)
	n.Payload.Data = nil

	res := p.Process(context.Background(), n)
	if res.Success || !res.Permanent {
		t.Fatalf("Process without recipient = %+v, want permanent failure", res)
	}
}

func TestEmailProcessorTransportFailure(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	transport := &fakeEmailTransport{err: errors.New("provider down")}
	p := NewEmailProcessor(transport, NewEmptyUserDirectory(), confirms, limiter, openPolicy(), logger, reg)

	n := orderNotification(notification.ChannelEmail)
	res := p.Process(context.Background(), n)
	if res.Success || res.Permanent {
		t.Fatalf("Process with failing transport = %+v, want retryable failure", res)
	}

	statuses := confirms.AggregateStatus(n.ID)[notification.ChannelEmail]
	if len(statuses) != 2 || statuses[1] != confirm.StatusFailed {
		t.Fatalf("confirmation trail = %v, want [sent failed]", statuses)
	}
}

type fakePushTransport struct {
	receipt *PushReceipt
	err     error
	last    *PushMessage
}

func (f *fakePushTransport) Send(_ context.Context, msg *PushMessage) (*PushReceipt, error) {
	f.last = msg
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

func TestPushProcessorDelivers(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	registry := NewMemoryTokenRegistry()
	registry.Add("acme", DeviceToken{Token: "tok-1", UserID: "alice", Active: true})
	registry.Add("acme", DeviceToken{Token: "tok-2", UserID: "bob", Active: true})

	transport := &fakePushTransport{receipt: &PushReceipt{Delivered: 2}}
	p := NewPushProcessor(transport, registry, confirms, limiter, openPolicy(), logger, reg)

	n := orderNotification(notification.ChannelPush)
	n.Priority = notification.PriorityCritical
	res := p.Process(context.Background(), n)
	if !res.Success {
		t.Fatalf("Process = %+v, want success", res)
	}
	if len(transport.last.Tokens) != 2 {
		t.Errorf("tokens sent = %d, want 2", len(transport.last.Tokens))
	}
	if !transport.last.HighPriority {
		t.Error("critical priority must map to a high-priority push")
	}
	if transport.last.TTL != 24*time.Hour {
		t.Errorf("TTL = %v, want 24h default", transport.last.TTL)
	}
}

func TestPushProcessorNoTokensIsPermanent(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	p := NewPushProcessor(&fakePushTransport{}, NewMemoryTokenRegistry(), confirms, limiter, openPolicy(), logger, reg)

	res := p.Process(context.Background(), orderNotification(notification.ChannelPush))
	if res.Success || !res.Permanent {
		t.Fatalf("Process without tokens = %+v, want permanent failure", res)
	}
	if res.Err == nil || res.Err.Error() != "no device tokens" {
		t.Fatalf("err = %v, want no device tokens", res.Err)
	}
}

func TestPushProcessorDeactivatesInvalidTokens(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	registry := NewMemoryTokenRegistry()
	registry.Add("acme", DeviceToken{Token: "good", Active: true})
	registry.Add("acme", DeviceToken{Token: "stale", Active: true})

	transport := &fakePushTransport{receipt: &PushReceipt{Delivered: 1, InvalidTokens: []string{"stale"}}}
	p := NewPushProcessor(transport, registry, confirms, limiter, openPolicy(), logger, reg)

	res := p.Process(context.Background(), orderNotification(notification.ChannelPush))
	if !res.Success {
		t.Fatalf("Process = %+v, want success", res)
	}

	left, err := registry.TokensForTenant(context.Background(), "acme", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Token != "good" {
		t.Fatalf("active tokens after deactivation = %+v, want only good", left)
	}
}

func TestPushProcessorFiltersByTargetedUsers(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	registry := NewMemoryTokenRegistry()
	registry.Add("acme", DeviceToken{Token: "tok-a", UserID: "alice", Active: true})
	registry.Add("acme", DeviceToken{Token: "tok-b", UserID: "bob", Active: true})

	transport := &fakePushTransport{receipt: &PushReceipt{Delivered: 1}}
	p := NewPushProcessor(transport, registry, confirms, limiter, openPolicy(), logger, reg)

	n := orderNotification(notification.ChannelPush)
	n.Targeting.UserIDs = []string{"alice"}
	if res := p.Process(context.Background(), n); !res.Success {
		t.Fatalf("Process = %+v, want success", res)
	}
	if len(transport.last.Tokens) != 1 || transport.last.Tokens[0] != "tok-a" {
		t.Fatalf("tokens = %v, want only alice's", transport.last.Tokens)
	}
}

func TestCachedTokenRegistryInvalidatesOnDeactivate(t *testing.T) {
	inner := NewMemoryTokenRegistry()
	inner.Add("acme", DeviceToken{Token: "tok-1", Active: true})
	cached := NewCachedTokenRegistry(inner, 16, time.Minute)

	ctx := context.Background()
	first, err := cached.TokensForTenant(ctx, "acme", nil)
	if err != nil || len(first) != 1 {
		t.Fatalf("first lookup = %v, %v", first, err)
	}

	if err := cached.Deactivate(ctx, "acme", []string{"tok-1"}); err != nil {
		t.Fatal(err)
	}
	second, err := cached.TokensForTenant(ctx, "acme", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("lookup after deactivation = %v, want empty", second)
	}
}

func TestRegistryLookup(t *testing.T) {
	confirms, limiter, logger, reg := testDeps(t)
	web := NewWebProcessor(&fakeBroadcaster{}, confirms, limiter, openPolicy(), logger, reg)
	r := NewRegistry(web)

	if p, ok := r.Get(notification.ChannelWeb); !ok || p.Channel() != notification.ChannelWeb {
		t.Fatal("registered processor not resolvable")
	}
	if _, ok := r.Get(notification.ChannelEmail); ok {
		t.Fatal("unregistered channel resolved")
	}
}

func TestStatsEWMA(t *testing.T) {
	var s Stats
	s.RecordDelivered(100 * time.Millisecond)
	s.RecordDelivered(200 * time.Millisecond)

	snap := s.Snapshot()
	if snap.Delivered != 2 {
		t.Fatalf("delivered = %d, want 2", snap.Delivered)
	}
	// 0.2*200ms + 0.8*100ms = 120ms
	if snap.AvgDeliveryTime != 120*time.Millisecond {
		t.Fatalf("EWMA = %v, want 120ms", snap.AvgDeliveryTime)
	}
}
