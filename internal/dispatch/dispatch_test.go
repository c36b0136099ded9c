package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pulseline/pulseline/internal/domain/notification"
	"github.com/pulseline/pulseline/internal/metrics"
	"github.com/pulseline/pulseline/internal/router"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedRouter returns canned outcomes in call order and records the
// channel set of every dispatch.
type scriptedRouter struct {
	mu       sync.Mutex
	outcomes []router.Outcome
	calls    [][]notification.Channel
	order    []string
}

func (r *scriptedRouter) Route(_ context.Context, n *notification.Notification) router.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]notification.Channel(nil), n.Channels...))
	r.order = append(r.order, n.ID)
	if len(r.outcomes) == 0 {
		return deliverAll(n)
	}
	out := r.outcomes[0]
	r.outcomes = r.outcomes[1:]
	return out
}

func deliverAll(n *notification.Notification) router.Outcome {
	return router.Outcome{
		Success:   true,
		Delivered: append([]notification.Channel(nil), n.Channels...),
	}
}

func failAll(chs ...notification.Channel) router.Outcome {
	errs := make(map[notification.Channel]string, len(chs))
	for _, ch := range chs {
		errs[ch] = "delivery refused"
	}
	return router.Outcome{Failed: chs, Errors: errs}
}

func newTestDispatcher(t *testing.T, cfg Config, r Routing) (*Dispatcher, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, r, logger, metrics.NewRegistry(), WithClock(clock.Now)), clock
}

func pending(priority notification.Priority, chs ...notification.Channel) *notification.Notification {
	if len(chs) == 0 {
		chs = []notification.Channel{notification.ChannelWeb}
	}
	return &notification.Notification{
		TenantID: "acme",
		Priority: priority,
		Channels: chs,
		Payload:  notification.Payload{Type: "notification"},
		Policy:   notification.DeliveryPolicy{MaxAttempts: 4, RetryDelay: time.Second, RetryBackoff: 2},
	}
}

func TestEnqueueValidates(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{}, &scriptedRouter{})

	n := pending(notification.PriorityNormal)
	n.TenantID = ""
	if _, err := d.Enqueue(n); err != notification.ErrMissingTenant {
		t.Fatalf("Enqueue without tenant = %v, want ErrMissingTenant", err)
	}

	bad := pending(notification.Priority(9))
	if _, err := d.Enqueue(bad); err != notification.ErrInvalidPriority {
		t.Fatalf("Enqueue with bad priority = %v, want ErrInvalidPriority", err)
	}
}

func TestEnqueueAppliesDefaultPolicy(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{}, &scriptedRouter{})

	n := pending(notification.PriorityNormal)
	n.Policy = notification.DeliveryPolicy{}
	id, err := d.Enqueue(n)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := d.Get(id)
	if got.Policy.MaxAttempts != 4 || got.Policy.RetryBackoff != 2 {
		t.Fatalf("default policy = %+v", got.Policy)
	}
}

func TestQueueFullBoundary(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{MaxSize: 2}, &scriptedRouter{})

	if _, err := d.Enqueue(pending(notification.PriorityNormal)); err != nil {
		t.Fatal(err)
	}
	// count == max_size − 1: still accepted.
	if _, err := d.Enqueue(pending(notification.PriorityNormal)); err != nil {
		t.Fatalf("enqueue at max_size-1 = %v, want nil", err)
	}
	if _, err := d.Enqueue(pending(notification.PriorityNormal)); err != notification.ErrQueueFull {
		t.Fatalf("enqueue at max_size = %v, want ErrQueueFull", err)
	}
}

func TestPriorityPreemption(t *testing.T) {
	r := &scriptedRouter{}
	d, _ := newTestDispatcher(t, Config{BatchSize: 1}, r)

	a, _ := d.Enqueue(pending(notification.PriorityNormal))
	_, _ = d.Enqueue(pending(notification.PriorityNormal))
	c, _ := d.Enqueue(pending(notification.PriorityCritical))

	if got := d.ProcessOnce(context.Background()); got != 1 {
		t.Fatalf("batch size = %d, want 1", got)
	}
	if r.order[0] != c {
		t.Fatalf("first dispatched = %s, want the critical item", r.order[0])
	}

	// With batch_size=2 the next pull is [critical-empty] then FIFO normals.
	d2, _ := newTestDispatcher(t, Config{BatchSize: 2}, r)
	r.order = nil
	a, _ = d2.Enqueue(pending(notification.PriorityNormal))
	_, _ = d2.Enqueue(pending(notification.PriorityNormal))
	c, _ = d2.Enqueue(pending(notification.PriorityCritical))

	d2.ProcessOnce(context.Background())
	if len(r.order) != 2 || r.order[0] != c || r.order[1] != a {
		t.Fatalf("batch order = %v, want [critical, first normal]", r.order)
	}
}

func TestSamePriorityFIFO(t *testing.T) {
	r := &scriptedRouter{}
	d, _ := newTestDispatcher(t, Config{BatchSize: 3}, r)

	a, _ := d.Enqueue(pending(notification.PriorityNormal))
	b, _ := d.Enqueue(pending(notification.PriorityNormal))

	d.ProcessOnce(context.Background())
	if r.order[0] != a || r.order[1] != b {
		t.Fatalf("dispatch order = %v, want FIFO [a b]", r.order)
	}
}

func TestRetryWithBackoffToFailure(t *testing.T) {
	r := &scriptedRouter{outcomes: []router.Outcome{
		failAll(notification.ChannelWeb),
		failAll(notification.ChannelWeb),
		failAll(notification.ChannelWeb),
		failAll(notification.ChannelWeb),
	}}
	d, clock := newTestDispatcher(t, Config{BatchSize: 10}, r)

	n := pending(notification.PriorityNormal)
	n.Policy = notification.DeliveryPolicy{MaxAttempts: 4, RetryDelay: time.Second, RetryBackoff: 2}
	id, _ := d.Enqueue(n)

	ctx := context.Background()

	// Attempt 1 fails, schedules retry after 1s.
	d.ProcessOnce(ctx)
	got, _ := d.Get(id)
	if got.Status != notification.StatusRetrying || got.Attempts != 1 {
		t.Fatalf("after attempt 1: %s attempts=%d", got.Status, got.Attempts)
	}

	// Not yet due.
	clock.Advance(500 * time.Millisecond)
	if n := d.RetryOnce(); n != 0 {
		t.Fatalf("requeued %d before the backoff elapsed", n)
	}

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, delay := range delays {
		clock.Advance(delay)
		if n := d.RetryOnce(); n != 1 {
			t.Fatalf("retry %d: requeued %d, want 1", i+1, n)
		}
		d.ProcessOnce(ctx)
	}

	got, _ = d.Get(id)
	if got.Status != notification.StatusFailed {
		t.Fatalf("final status = %s, want failed", got.Status)
	}
	if got.Attempts != 4 {
		t.Fatalf("attempts = %d, want initial + 3 retries", got.Attempts)
	}
	if got.LastError != "max retries exceeded" {
		t.Fatalf("lastError = %q", got.LastError)
	}

	// Terminal items are never requeued.
	clock.Advance(time.Hour)
	if n := d.RetryOnce(); n != 0 {
		t.Fatal("failed notification was requeued")
	}
}

func TestPartialDeliveryNarrowsChannels(t *testing.T) {
	r := &scriptedRouter{outcomes: []router.Outcome{
		{
			Delivered: []notification.Channel{notification.ChannelWeb},
			Failed:    []notification.Channel{notification.ChannelEmail},
			Errors:    map[notification.Channel]string{notification.ChannelEmail: "provider down"},
		},
		{
			Success:   true,
			Delivered: []notification.Channel{notification.ChannelEmail},
		},
	}}
	d, clock := newTestDispatcher(t, Config{BatchSize: 10}, r)

	id, _ := d.Enqueue(pending(notification.PriorityNormal, notification.ChannelWeb, notification.ChannelEmail))
	ctx := context.Background()

	d.ProcessOnce(ctx)
	got, _ := d.Get(id)
	if got.Status != notification.StatusRetrying {
		t.Fatalf("status after partial = %s, want retrying", got.Status)
	}
	if len(got.Delivered) != 1 || got.Delivered[0] != notification.ChannelWeb {
		t.Fatalf("delivered = %v, want [web]", got.Delivered)
	}
	if len(got.FailedChannels) != 1 || got.FailedChannels[0] != notification.ChannelEmail {
		t.Fatalf("failed = %v, want [email]", got.FailedChannels)
	}

	clock.Advance(2 * time.Second)
	d.RetryOnce()
	d.ProcessOnce(ctx)

	// Second attempt must carry only the failed channel.
	if len(r.calls) != 2 {
		t.Fatalf("route calls = %d, want 2", len(r.calls))
	}
	if len(r.calls[1]) != 1 || r.calls[1][0] != notification.ChannelEmail {
		t.Fatalf("retry channel set = %v, want [email]", r.calls[1])
	}

	got, _ = d.Get(id)
	if got.Status != notification.StatusDelivered {
		t.Fatalf("final status = %s, want delivered", got.Status)
	}
	if len(got.Delivered) != 2 {
		t.Fatalf("delivered = %v, want both channels", got.Delivered)
	}
	if len(got.FailedChannels) != 0 {
		t.Fatalf("failed = %v, want empty (disjoint sets)", got.FailedChannels)
	}

	// Partial delivery counted once in the aggregate.
	if s := d.Stats(); s.TotalDelivered != 1 {
		t.Fatalf("totalDelivered = %d, want 1", s.TotalDelivered)
	}
}

func TestExpiryBoundary(t *testing.T) {
	d, clock := newTestDispatcher(t, Config{BatchSize: 10}, &scriptedRouter{})

	exp := clock.Now().Add(time.Minute)
	n := pending(notification.PriorityNormal)
	n.Scheduling.ExpiresAt = &exp
	id, _ := d.Enqueue(n)

	// Exactly at expires_at counts as expired.
	clock.Advance(time.Minute)
	if got := d.ProcessOnce(context.Background()); got != 0 {
		t.Fatalf("dispatched %d expired items", got)
	}
	got, _ := d.Get(id)
	if got.Status != notification.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestSendAtBoundary(t *testing.T) {
	r := &scriptedRouter{}
	d, clock := newTestDispatcher(t, Config{BatchSize: 10}, r)

	at := clock.Now().Add(time.Minute)
	n := pending(notification.PriorityNormal)
	n.Scheduling.SendAt = &at
	id, _ := d.Enqueue(n)

	if got := d.ProcessOnce(context.Background()); got != 0 {
		t.Fatalf("dispatched %d future-scheduled items", got)
	}
	if got, _ := d.Get(id); got.Status != notification.StatusPending {
		t.Fatalf("status = %s, want still pending", got.Status)
	}

	// Exactly at send_at counts as dispatchable.
	clock.Advance(time.Minute)
	if got := d.ProcessOnce(context.Background()); got != 1 {
		t.Fatalf("dispatched %d, want 1 at send_at", got)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	r := &scriptedRouter{outcomes: []router.Outcome{failAll(notification.ChannelWeb)}}
	d, _ := newTestDispatcher(t, Config{BatchSize: 10}, r)

	id, _ := d.Enqueue(pending(notification.PriorityNormal))
	if !d.Cancel(id) {
		t.Fatal("cancel of pending item refused")
	}
	if d.Cancel(id) {
		t.Fatal("second cancel returned true")
	}
	if _, ok := d.Get(id); ok {
		t.Fatal("cancelled item still resolvable")
	}

	// In-flight and terminal items are not cancellable.
	id2, _ := d.Enqueue(pending(notification.PriorityNormal))
	d.ProcessOnce(context.Background())
	if d.Cancel(id2) {
		t.Fatal("cancel of completed item returned true")
	}
}

func TestRoundRobinSelection(t *testing.T) {
	r := &scriptedRouter{}
	d, _ := newTestDispatcher(t, Config{BatchSize: 2, Mode: ModeRoundRobin}, r)

	_, _ = d.Enqueue(pending(notification.PriorityCritical))
	crit2, _ := d.Enqueue(pending(notification.PriorityCritical))
	low, _ := d.Enqueue(pending(notification.PriorityLow))

	d.ProcessOnce(context.Background())

	// One per non-empty bucket: a critical and the low item, not two
	// criticals.
	if len(r.order) != 2 {
		t.Fatalf("batch = %v, want 2 items", r.order)
	}
	if r.order[1] != low {
		t.Fatalf("second pick = %s, want the low-priority item %s", r.order[1], low)
	}
	_ = crit2
}

func TestCleanupHonorsRetention(t *testing.T) {
	d, clock := newTestDispatcher(t, Config{BatchSize: 10, Retention: time.Minute}, &scriptedRouter{})

	id, _ := d.Enqueue(pending(notification.PriorityNormal))
	d.ProcessOnce(context.Background())

	clock.Advance(30 * time.Second)
	if removed := d.CleanupOnce(); removed != 0 {
		t.Fatalf("removed %d inside retention", removed)
	}
	clock.Advance(31 * time.Second)
	if removed := d.CleanupOnce(); removed != 1 {
		t.Fatalf("removed %d after retention, want 1", removed)
	}
	if _, ok := d.Get(id); ok {
		t.Fatal("aged-out item still resolvable")
	}
}

func TestEnqueueAfterStopRejected(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{}, &scriptedRouter{})
	d.Start()
	if err := d.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Enqueue(pending(notification.PriorityNormal)); err != notification.ErrQueueClosed {
		t.Fatalf("enqueue after stop = %v, want ErrQueueClosed", err)
	}
}

func TestEventsEmitted(t *testing.T) {
	r := &scriptedRouter{outcomes: []router.Outcome{failAll(notification.ChannelWeb)}}
	d, clock := newTestDispatcher(t, Config{BatchSize: 10}, r)

	var mu sync.Mutex
	seen := map[EventType]int{}
	for _, et := range []EventType{EventEnqueued, EventDelivered, EventRetry, EventExpired} {
		d.Subscribe(et, func(ev Event) {
			mu.Lock()
			seen[ev.Type]++
			mu.Unlock()
		})
	}

	id, _ := d.Enqueue(pending(notification.PriorityNormal))
	d.ProcessOnce(context.Background())
	clock.Advance(2 * time.Second)
	d.RetryOnce()
	d.ProcessOnce(context.Background())

	exp := clock.Now().Add(-time.Second)
	expired := pending(notification.PriorityNormal)
	expired.Scheduling.ExpiresAt = &exp
	_, _ = d.Enqueue(expired)
	d.ProcessOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if seen[EventEnqueued] != 2 || seen[EventRetry] != 1 || seen[EventDelivered] != 1 || seen[EventExpired] != 1 {
		t.Fatalf("events = %v", seen)
	}
	_ = id
}

func TestStatsThroughputWindow(t *testing.T) {
	d, clock := newTestDispatcher(t, Config{BatchSize: 10}, &scriptedRouter{})

	_, _ = d.Enqueue(pending(notification.PriorityNormal))
	d.ProcessOnce(context.Background())

	if s := d.Stats(); s.ThroughputPerMin != 1 || s.TotalDelivered != 1 {
		t.Fatalf("stats = %+v, want one delivery in window", s)
	}

	clock.Advance(61 * time.Second)
	if s := d.Stats(); s.ThroughputPerMin != 0 {
		t.Fatalf("throughput after window = %d, want 0", s.ThroughputPerMin)
	}
	if s := d.Stats(); s.TotalDelivered != 1 {
		t.Fatal("total delivered must not decay with the window")
	}
}

func TestListFilters(t *testing.T) {
	d, clock := newTestDispatcher(t, Config{BatchSize: 10}, &scriptedRouter{})

	early, _ := d.Enqueue(pending(notification.PriorityNormal, notification.ChannelWeb))
	clock.Advance(time.Minute)
	cut := clock.Now()
	late, _ := d.Enqueue(pending(notification.PriorityNormal, notification.ChannelEmail))

	if got := d.List(Filter{Tenant: "acme"}); len(got) != 2 {
		t.Fatalf("unfiltered = %d items, want 2", len(got))
	}
	if got := d.List(Filter{Channel: notification.ChannelEmail}); len(got) != 1 || got[0].ID != late {
		t.Fatalf("channel filter = %v, want only the email item", ids(got))
	}
	if got := d.List(Filter{From: cut}); len(got) != 1 || got[0].ID != late {
		t.Fatalf("from filter = %v, want only the later item", ids(got))
	}
	if got := d.List(Filter{To: cut.Add(-time.Second)}); len(got) != 1 || got[0].ID != early {
		t.Fatalf("to filter = %v, want only the earlier item", ids(got))
	}
	// Newest first, so offset 1 skips the later item.
	if got := d.List(Filter{Offset: 1}); len(got) != 1 || got[0].ID != early {
		t.Fatalf("offset = %v, want the earlier item", ids(got))
	}
	if got := d.List(Filter{Offset: 5}); len(got) != 0 {
		t.Fatalf("offset past the end = %v, want empty", ids(got))
	}
	if got := d.List(Filter{Limit: 1}); len(got) != 1 || got[0].ID != late {
		t.Fatalf("limit = %v, want the newest item", ids(got))
	}
}

func ids(items []*notification.Notification) []string {
	out := make([]string, len(items))
	for i, n := range items {
		out[i] = n.ID
	}
	return out
}

func TestConcurrentEnqueueAndProcess(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{BatchSize: 4, Workers: 2}, &scriptedRouter{})
	// Observers read the event snapshot while workers mutate the live item.
	d.Subscribe(EventEnqueued, func(ev Event) { _ = ev.Notification.Status })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = d.Enqueue(pending(notification.PriorityNormal))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			d.ProcessOnce(context.Background())
		}
	}()
	wg.Wait()

	s := d.Stats()
	if s.Queued+s.InFlight+s.Completed != 50 {
		t.Fatalf("accounted = %d items, want all 50", s.Queued+s.InFlight+s.Completed)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{}, &scriptedRouter{})

	id, _ := d.Enqueue(pending(notification.PriorityNormal))
	a, _ := d.Get(id)
	a.Channels[0] = notification.ChannelPush

	b, _ := d.Get(id)
	if b.Channels[0] != notification.ChannelWeb {
		t.Fatal("Get leaked internal state")
	}
}
