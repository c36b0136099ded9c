package fabric

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pulseline/pulseline/internal/metrics"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestHub(t *testing.T, cfg Config) (*Hub, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHub(cfg, logger, metrics.NewRegistry(), WithClock(clock.Now)), clock
}

func attach(t *testing.T, h *Hub, kind Kind, p Params) *Conn {
	t.Helper()
	c := NewConn(kind, p, h.now())
	if err := h.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return c
}

func drain(c *Conn) []*Frame {
	var out []*Frame
	for {
		select {
		case f := <-c.Frames():
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestHubTargetedSends(t *testing.T) {
	h, _ := newTestHub(t, Config{})

	t1s1 := attach(t, h, KindPushStream, Params{TenantID: "T", SiteID: "S1"})
	t1s2 := attach(t, h, KindPushStream, Params{TenantID: "T", SiteID: "S2"})
	u := attach(t, h, KindBidirectional, Params{TenantID: "U", SiteID: "S3"})

	f := &Frame{Type: FrameNotification, Data: "hi"}

	sent, matched := h.SendToSite("S1", f)
	if sent != 1 || matched != 1 {
		t.Fatalf("SendToSite(S1) = (%d, %d), want (1, 1)", sent, matched)
	}
	if n := len(drain(t1s1)); n != 1 {
		t.Fatalf("S1 connection received %d frames, want 1", n)
	}
	if n := len(drain(t1s2)); n != 0 {
		t.Fatalf("S2 connection received %d frames, want 0", n)
	}

	sent, matched = h.SendToOrganization("T", f)
	if sent != 2 || matched != 2 {
		t.Fatalf("SendToOrganization(T) = (%d, %d), want (2, 2)", sent, matched)
	}
	if n := len(drain(u)); n != 0 {
		t.Fatalf("tenant U connection received %d frames, want 0", n)
	}
}

func TestHubSendToUser(t *testing.T) {
	h, _ := newTestHub(t, Config{})

	alice := attach(t, h, KindPushStream, Params{TenantID: "T", UserID: "alice"})
	bob := attach(t, h, KindPushStream, Params{TenantID: "T", UserID: "bob"})

	sent, _ := h.SendToUser("alice", &Frame{Type: FrameNotification})
	if sent != 1 {
		t.Fatalf("SendToUser(alice) sent = %d, want 1", sent)
	}
	if len(drain(bob)) != 0 {
		t.Fatal("frame leaked to another user")
	}
	if len(drain(alice)) != 1 {
		t.Fatal("alice did not receive the frame")
	}
}

func TestHubSendToChannel(t *testing.T) {
	h, _ := newTestHub(t, Config{})

	sub := attach(t, h, KindBidirectional, Params{TenantID: "T", SiteID: "S1"})
	other := attach(t, h, KindBidirectional, Params{TenantID: "T", SiteID: "S1"})

	if !sub.Subscribe("site:S1") {
		t.Fatal("Subscribe(site:S1) rejected for matching site")
	}

	sent, matched := h.SendToChannel("site:S1", &Frame{Type: FrameNotification})
	if sent != 1 || matched != 1 {
		t.Fatalf("SendToChannel = (%d, %d), want (1, 1)", sent, matched)
	}
	if len(drain(other)) != 0 {
		t.Fatal("unsubscribed connection received a channel frame")
	}
}

func TestHubConnectionCap(t *testing.T) {
	h, _ := newTestHub(t, Config{MaxPushStream: 2, MaxBidirectional: 1})

	attach(t, h, KindPushStream, Params{TenantID: "T"})
	attach(t, h, KindPushStream, Params{TenantID: "T"})

	over := NewConn(KindPushStream, Params{TenantID: "T"}, h.now())
	if err := h.Register(over); err != ErrConnectionLimit {
		t.Fatalf("Register over cap = %v, want ErrConnectionLimit", err)
	}
	if h.CanAccept(KindPushStream) {
		t.Fatal("CanAccept reported room at the cap")
	}

	// The cap is per transport family.
	if !h.CanAccept(KindBidirectional) {
		t.Fatal("bidirectional cap affected by push-stream count")
	}
	attach(t, h, KindBidirectional, Params{TenantID: "T"})
	if h.CanAccept(KindBidirectional) {
		t.Fatal("CanAccept reported room at the bidirectional cap")
	}
}

func TestHubUnregisterKeepsIndexesConsistent(t *testing.T) {
	h, _ := newTestHub(t, Config{})

	c := attach(t, h, KindPushStream, Params{TenantID: "T", SiteID: "S1", UserID: "alice"})
	attach(t, h, KindPushStream, Params{TenantID: "T", SiteID: "S1"})

	h.Unregister(c.ID, "test")
	h.Unregister(c.ID, "test") // idempotent

	if _, ok := h.Get(c.ID); ok {
		t.Fatal("connection still resolvable after Unregister")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("connection not closed by Unregister")
	}

	if sent, _ := h.SendToUser("alice", &Frame{Type: FrameNotification}); sent != 0 {
		t.Fatalf("user index still routed %d frames to removed connection", sent)
	}
	if sent, _ := h.SendToSite("S1", &Frame{Type: FrameNotification}); sent != 1 {
		t.Fatalf("site index sent = %d, want 1", sent)
	}

	s := h.Stats()
	if s.TotalConnections != 1 || s.PushStream != 1 {
		t.Fatalf("Stats = %+v after Unregister, want one push-stream connection", s)
	}
	if s.ByOrganization["T"] != 1 {
		t.Fatalf("ByOrganization[T] = %d, want 1", s.ByOrganization["T"])
	}
}

func TestHubSweepTimesOutStaleConnections(t *testing.T) {
	h, clock := newTestHub(t, Config{ConnectionTimeout: time.Minute})

	stale := attach(t, h, KindBidirectional, Params{TenantID: "T"})
	live := attach(t, h, KindBidirectional, Params{TenantID: "T"})

	clock.Advance(45 * time.Second)
	live.Touch(clock.Now())
	clock.Advance(30 * time.Second)

	h.SweepOnce()

	if _, ok := h.Get(stale.ID); ok {
		t.Fatal("stale connection survived the sweep")
	}
	if stale.CloseReason() != "timeout" {
		t.Fatalf("close reason = %q, want %q", stale.CloseReason(), "timeout")
	}

	if _, ok := h.Get(live.ID); !ok {
		t.Fatal("live connection dropped by the sweep")
	}
	frames := drain(live)
	if len(frames) != 1 || frames[0].Type != FramePing {
		t.Fatalf("live connection frames = %+v, want one ping", frames)
	}
}

func TestHubBroadcastSkipsSaturatedConnection(t *testing.T) {
	h, _ := newTestHub(t, Config{})

	c := attach(t, h, KindPushStream, Params{TenantID: "T"})
	for i := 0; i < sendBuffer; i++ {
		if !c.Send(&Frame{Type: FramePing}) {
			t.Fatalf("send %d rejected before buffer was full", i)
		}
	}

	sent, matched := h.SendToOrganization("T", &Frame{Type: FrameNotification})
	if matched != 1 || sent != 0 {
		t.Fatalf("broadcast over full buffer = (%d, %d), want (0, 1)", sent, matched)
	}
}

func TestConnChannelAuthorization(t *testing.T) {
	c := NewConn(KindBidirectional, Params{TenantID: "T", SiteID: "S1", UserID: "alice"}, time.Now())

	tests := []struct {
		channel string
		want    bool
	}{
		{"org:T", true},
		{"org:other", false},
		{"site:S1", true},
		{"site:S2", false},
		{"user:alice", true},
		{"user:bob", false},
		{"global", false},
	}
	for _, tt := range tests {
		if got := c.AuthorizedChannel(tt.channel); got != tt.want {
			t.Errorf("AuthorizedChannel(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}

	anon := NewConn(KindPushStream, Params{TenantID: "T"}, time.Now())
	if anon.AuthorizedChannel("site:") || anon.AuthorizedChannel("user:") {
		t.Fatal("empty site/user identity must not authorize scoped channels")
	}
}

func TestConnSendAfterClose(t *testing.T) {
	c := NewConn(KindPushStream, Params{TenantID: "T"}, time.Now())
	c.Close("test")
	c.Close("second") // first reason wins

	if c.Send(&Frame{Type: FramePing}) {
		t.Fatal("Send succeeded on closed connection")
	}
	if c.CloseReason() != "test" {
		t.Fatalf("CloseReason = %q, want %q", c.CloseReason(), "test")
	}
}
