// Package dispatch owns notification ordering, scheduling, retry and
// expiry: the priority queue feeding the channel router.
package dispatch

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pulseline/pulseline/internal/domain/notification"
	"github.com/pulseline/pulseline/internal/metrics"
	"github.com/pulseline/pulseline/internal/router"
)

// Routing is the slice of the channel router the dispatcher needs.
type Routing interface {
	Route(ctx context.Context, n *notification.Notification) router.Outcome
}

// Mode selects how a batch is pulled across the priority buckets.
type Mode string

const (
	// ModePriority drains Critical before Urgent before High and so on.
	ModePriority Mode = "priority"
	// ModeRoundRobin takes one item per non-empty bucket per turn.
	ModeRoundRobin Mode = "round_robin"
)

// Config tunes the dispatcher.
type Config struct {
	MaxSize            int
	BatchSize          int
	Workers            int
	ProcessingInterval time.Duration
	RetryInterval      time.Duration
	CleanupInterval    time.Duration
	MaxRetryDelay      time.Duration
	Retention          time.Duration
	Mode               Mode
	DefaultPolicy      notification.DeliveryPolicy
	ShutdownTimeout    time.Duration
}

func (c *Config) normalize() {
	if c.MaxSize <= 0 {
		c.MaxSize = 100000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.Mode != ModeRoundRobin {
		c.Mode = ModePriority
	}
	if c.DefaultPolicy.MaxAttempts <= 0 {
		c.DefaultPolicy.MaxAttempts = 4
	}
	if c.DefaultPolicy.RetryDelay <= 0 {
		c.DefaultPolicy.RetryDelay = 5 * time.Second
	}
	if c.DefaultPolicy.RetryBackoff < 1 {
		c.DefaultPolicy.RetryBackoff = 2
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Dispatcher is the priority queue and retry engine. A notification lives in
// exactly one of: its priority bucket, the in-flight map, or the completed
// map. All three structures mutate under one mutex.
type Dispatcher struct {
	cfg      Config
	router   Routing
	logger   *slog.Logger
	metrics  *metrics.Registry
	now      func() time.Time
	events   *emitter
	counters *counters

	mu        sync.Mutex
	buckets   [notification.PriorityLevels][]*notification.Notification
	queued    map[string]*notification.Notification
	inflight  map[string]*notification.Notification
	completed map[string]*notification.Notification
	rr        int
	closed    bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(cfg Config, r Routing, logger *slog.Logger, reg *metrics.Registry, opts ...Option) *Dispatcher {
	cfg.normalize()
	d := &Dispatcher{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		metrics:   reg,
		now:       time.Now,
		events:    newEmitter(),
		counters:  newCounters(),
		queued:    make(map[string]*notification.Notification),
		inflight:  make(map[string]*notification.Notification),
		completed: make(map[string]*notification.Notification),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers an observer for one event type. Observers run
// synchronously on the emitting worker and must not block.
func (d *Dispatcher) Subscribe(t EventType, fn Observer) {
	d.events.subscribe(t, fn)
}

// Enqueue validates and accepts a notification, returning its ID.
func (d *Dispatcher) Enqueue(n *notification.Notification) (string, error) {
	now := d.now()

	if n.Policy.MaxAttempts == 0 && n.Policy.RetryDelay == 0 && n.Policy.RetryBackoff == 0 {
		n.Policy = d.cfg.DefaultPolicy
	}
	if err := n.Validate(); err != nil {
		return "", err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", notification.ErrQueueClosed
	}
	if len(d.queued) >= d.cfg.MaxSize {
		d.mu.Unlock()
		return "", notification.ErrQueueFull
	}

	if n.ID == "" {
		n.ID = notification.NewID()
	}
	n.Status = notification.StatusPending
	n.Attempts = 0
	if n.Metadata.CreatedAt.IsZero() {
		n.Metadata.CreatedAt = now
	}
	n.Metadata.UpdatedAt = now

	idx := bucketIndex(n.Priority)
	d.buckets[idx] = append(d.buckets[idx], n)
	d.queued[n.ID] = n
	d.updateDepthGauge(n.Priority)
	// Snapshot under the lock: once queued, n is fair game for a concurrent
	// selectBatch.
	ev := Event{Type: EventEnqueued, Notification: n.Clone(), Timestamp: now}
	id := n.ID
	d.mu.Unlock()

	d.metrics.Enqueued.Inc()
	d.counters.recordEnqueued()
	d.events.emit(ev)
	return id, nil
}

// Cancel removes a pending notification. In-flight and terminal items are
// not cancellable; repeated calls for the same ID return true at most once.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.queued[id]
	if !ok {
		return false
	}
	delete(d.queued, id)
	idx := bucketIndex(n.Priority)
	d.buckets[idx] = removeByID(d.buckets[idx], id)
	d.updateDepthGauge(n.Priority)
	return true
}

// Get returns a snapshot of the notification, wherever it currently lives.
func (d *Dispatcher) Get(id string) (*notification.Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range []map[string]*notification.Notification{d.queued, d.inflight, d.completed} {
		if n, ok := m[id]; ok {
			return n.Clone(), true
		}
	}
	return nil, false
}

// Filter narrows List results. Zero-valued fields match everything;
// Limit <= 0 means no limit.
type Filter struct {
	Tenant  string
	Status  notification.Status
	Channel notification.Channel
	From    time.Time
	To      time.Time
	Offset  int
	Limit   int
}

func (f Filter) matches(n *notification.Notification) bool {
	if f.Tenant != "" && n.TenantID != f.Tenant {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	// The channel set narrows as channels deliver, so a channel filter also
	// consults the delivered set.
	if f.Channel != "" && !n.HasChannel(f.Channel) && !hasChannel(n.Delivered, f.Channel) {
		return false
	}
	if !f.From.IsZero() && n.Metadata.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && n.Metadata.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// List returns matching snapshots, newest first.
func (d *Dispatcher) List(f Filter) []*notification.Notification {
	d.mu.Lock()
	var out []*notification.Notification
	for _, m := range []map[string]*notification.Notification{d.queued, d.inflight, d.completed} {
		for _, n := range m {
			if f.matches(n) {
				out = append(out, n.Clone())
			}
		}
	}
	d.mu.Unlock()

	sortByCreatedDesc(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ProcessOnce pulls one batch and dispatches it, blocking until every item
// in the batch completes. Routing begins follow batch order: each worker
// holds its turn until the previous item's routing has been started, so an
// earlier-selected notification never begins after a later one. Returns the
// batch size.
func (d *Dispatcher) ProcessOnce(ctx context.Context) int {
	now := d.now()
	batch, expired := d.selectBatch(now)

	for _, n := range expired {
		d.metrics.Expired.Inc()
		d.counters.recordExpired()
		d.events.emit(Event{Type: EventExpired, Notification: n.Clone(), Timestamp: now})
	}
	if len(batch) == 0 {
		return 0
	}

	d.metrics.InFlight.Add(float64(len(batch)))
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.cfg.Workers)
	turn := make(chan struct{})
	close(turn)
	for _, n := range batch {
		n := n
		sem <- struct{}{}
		prev, begun := turn, make(chan struct{})
		turn = begun
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			<-prev
			close(begun)
			out := d.router.Route(ctx, n)
			d.complete(n, out)
		}()
	}
	wg.Wait()
	d.metrics.InFlight.Sub(float64(len(batch)))
	return len(batch)
}

// selectBatch moves up to BatchSize dispatchable items into the in-flight
// map. Expired items (now at or past expires_at) go straight to the
// completed map; future-scheduled items return to the tail of their bucket.
func (d *Dispatcher) selectBatch(now time.Time) (batch, expired []*notification.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// take pops the first dispatchable item of the bucket into the
	// in-flight map. Expired items move to completed; future-scheduled
	// items go back to the tail of the bucket.
	take := func(idx int) bool {
		bucket := d.buckets[idx]
		var deferred []*notification.Notification
		for i := 0; i < len(bucket); i++ {
			n := bucket[i]

			if exp := n.Scheduling.ExpiresAt; exp != nil && !now.Before(*exp) {
				delete(d.queued, n.ID)
				n.Status = notification.StatusExpired
				n.Metadata.UpdatedAt = now
				d.completed[n.ID] = n
				expired = append(expired, n)
				continue
			}
			if at := n.Scheduling.SendAt; at != nil && now.Before(*at) {
				deferred = append(deferred, n)
				continue
			}

			delete(d.queued, n.ID)
			n.Status = notification.StatusProcessing
			n.Attempts++
			n.LastAttempt = now
			n.Metadata.UpdatedAt = now
			d.inflight[n.ID] = n
			batch = append(batch, n)

			rest := make([]*notification.Notification, 0, len(bucket)-i-1+len(deferred))
			rest = append(rest, bucket[i+1:]...)
			rest = append(rest, deferred...)
			d.buckets[idx] = rest
			return true
		}
		d.buckets[idx] = deferred
		return false
	}

	if d.cfg.Mode == ModeRoundRobin {
		for len(batch) < d.cfg.BatchSize {
			picked := false
			for i := 0; i < notification.PriorityLevels && len(batch) < d.cfg.BatchSize; i++ {
				idx := notification.PriorityLevels - 1 - (d.rr+i)%notification.PriorityLevels
				if take(idx) {
					picked = true
				}
			}
			d.rr = (d.rr + 1) % notification.PriorityLevels
			if !picked {
				break
			}
		}
	} else {
		for idx := notification.PriorityLevels - 1; idx >= 0 && len(batch) < d.cfg.BatchSize; idx-- {
			for take(idx) && len(batch) < d.cfg.BatchSize {
			}
		}
	}

	d.updateAllDepthGauges()
	return batch, expired
}

// complete folds a routing outcome back into the notification's state.
func (d *Dispatcher) complete(n *notification.Notification, out router.Outcome) {
	now := d.now()

	d.mu.Lock()
	delete(d.inflight, n.ID)

	for _, ch := range out.Delivered {
		n.MarkDelivered(ch)
	}
	for _, ch := range out.Failed {
		n.MarkFailed(ch)
	}
	n.Metadata.UpdatedAt = now

	var event EventType
	switch {
	case len(out.Failed) == 0:
		n.Status = notification.StatusDelivered
		n.LastError = ""
		event = EventDelivered
	case n.Attempts >= n.Policy.MaxAttempts:
		n.Status = notification.StatusFailed
		n.LastError = "max retries exceeded"
		event = EventFailed
	default:
		// Narrow the channel set so the next attempt retries only what
		// failed; delivered channels are never re-dispatched.
		n.Channels = append([]notification.Channel(nil), out.Failed...)
		n.Status = notification.StatusRetrying
		n.LastError = firstError(out)
		event = EventRetry
	}
	d.completed[n.ID] = n
	anyDelivered := len(n.Delivered) > 0
	ev := Event{Type: event, Notification: n.Clone(), Timestamp: now}
	d.mu.Unlock()

	if anyDelivered && d.counters.recordDelivered(n.ID, now) {
		d.metrics.Delivered.Inc()
		took := now.Sub(n.Metadata.CreatedAt)
		d.counters.recordProcessingTime(took)
		d.metrics.ProcessSeconds.Observe(took.Seconds())
	}

	switch event {
	case EventFailed:
		d.metrics.Failed.Inc()
		d.counters.recordFailed()
	case EventRetry:
		d.metrics.Retries.Inc()
		d.counters.recordRetry()
	}
	d.events.emit(ev)
}

// RetryOnce requeues every retry-scheduled notification whose backoff has
// elapsed. Returns the number requeued.
func (d *Dispatcher) RetryOnce() int {
	now := d.now()
	var failed []*notification.Notification

	d.mu.Lock()
	requeued := 0
	for id, n := range d.completed {
		if n.Status != notification.StatusRetrying {
			continue
		}
		if now.Sub(n.LastAttempt) < n.RetryDelay(d.cfg.MaxRetryDelay) {
			continue
		}
		if n.Attempts >= n.Policy.MaxAttempts {
			n.Status = notification.StatusFailed
			n.LastError = "max retries exceeded"
			n.Metadata.UpdatedAt = now
			failed = append(failed, n.Clone())
			continue
		}

		delete(d.completed, id)
		n.Status = notification.StatusPending
		n.Metadata.UpdatedAt = now
		idx := bucketIndex(n.Priority)
		d.buckets[idx] = append(d.buckets[idx], n)
		d.queued[id] = n
		requeued++
	}
	d.updateAllDepthGauges()
	d.mu.Unlock()

	for _, n := range failed {
		d.metrics.Failed.Inc()
		d.counters.recordFailed()
		d.events.emit(Event{Type: EventFailed, Notification: n, Timestamp: now})
	}
	return requeued
}

// CleanupOnce evicts completed entries past the retention window.
func (d *Dispatcher) CleanupOnce() int {
	now := d.now()

	d.mu.Lock()
	removed := 0
	for id, n := range d.completed {
		if now.Sub(n.Metadata.UpdatedAt) > d.cfg.Retention {
			delete(d.completed, id)
			d.counters.forget(id)
			removed++
		}
	}
	d.mu.Unlock()

	if removed > 0 {
		d.logger.Debug("aged out completed notifications", "count", removed)
	}
	return removed
}

// Stats reports aggregate queue state.
func (d *Dispatcher) Stats() Stats {
	now := d.now()
	s := d.counters.snapshot(now)

	d.mu.Lock()
	s.Queued = len(d.queued)
	s.InFlight = len(d.inflight)
	s.Completed = len(d.completed)
	s.ByPriority = make(map[string]int, notification.PriorityLevels)
	for _, p := range priorityNames() {
		s.ByPriority[p.String()] = len(d.buckets[bucketIndex(p)])
	}
	s.ByStatus = make(map[string]int)
	for _, m := range []map[string]*notification.Notification{d.queued, d.inflight, d.completed} {
		for _, n := range m {
			s.ByStatus[string(n.Status)]++
		}
	}
	d.mu.Unlock()
	return s
}

// Start launches the processing, retry and cleanup ticks.
func (d *Dispatcher) Start() {
	d.wg.Add(3)
	go d.loop(d.cfg.ProcessingInterval, func() { d.ProcessOnce(context.Background()) })
	go d.loop(d.cfg.RetryInterval, func() { d.RetryOnce() })
	go d.loop(d.cfg.CleanupInterval, func() { d.CleanupOnce() })
}

// Stop rejects new enqueues, stops the ticks and waits for the in-flight
// set to drain, bounded by the shutdown timeout.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()

	deadline := d.now().Add(d.cfg.ShutdownTimeout)
	for {
		d.mu.Lock()
		n := len(d.inflight)
		d.mu.Unlock()
		if n == 0 {
			return nil
		}
		if d.now().After(deadline) {
			d.logger.Warn("shutdown with in-flight notifications", "count", n)
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (d *Dispatcher) loop(interval time.Duration, tick func()) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (d *Dispatcher) updateDepthGauge(p notification.Priority) {
	d.metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(d.buckets[bucketIndex(p)])))
}

func (d *Dispatcher) updateAllDepthGauges() {
	for _, p := range priorityNames() {
		d.updateDepthGauge(p)
	}
}

func bucketIndex(p notification.Priority) int {
	return int(p) - 1
}

func hasChannel(set []notification.Channel, c notification.Channel) bool {
	for _, ch := range set {
		if ch == c {
			return true
		}
	}
	return false
}

func removeByID(bucket []*notification.Notification, id string) []*notification.Notification {
	out := bucket[:0]
	for _, n := range bucket {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

func firstError(out router.Outcome) string {
	for _, ch := range out.Failed {
		if msg, ok := out.Errors[ch]; ok {
			return msg
		}
	}
	return "delivery failed"
}

func sortByCreatedDesc(items []*notification.Notification) {
	slices.SortFunc(items, func(a, b *notification.Notification) int {
		return b.Metadata.CreatedAt.Compare(a.Metadata.CreatedAt)
	})
}
