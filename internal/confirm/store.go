package confirm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulseline/pulseline/internal/domain/notification"
	"github.com/pulseline/pulseline/internal/metrics"
)

// BatchSink receives flushed confirmation batches. The persistence
// collaborator implements this seam; the store itself keeps no durable state.
type BatchSink interface {
	FlushBatch(ctx context.Context, batch []*Confirmation) error
}

// Config tunes the store's flush and retention behaviour.
type Config struct {
	FlushInterval time.Duration
	BatchSize     int
	MaxPending    int
	Retention     time.Duration
	SweepInterval time.Duration
}

func (c *Config) normalize() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10000
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
}

// Store is the in-memory confirmation log with batched flushing.
//
// Appends are serialized under the mutex; readers receive copied snapshots so
// enumeration never observes a half-applied append.
type Store struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu             sync.Mutex
	log            []*Confirmation
	byNotification map[string][]*Confirmation
	pending        []*Confirmation
	sinks          []BatchSink

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(cfg Config, logger *slog.Logger, reg *metrics.Registry, opts ...Option) *Store {
	cfg.normalize()
	s := &Store{
		cfg:            cfg,
		logger:         logger,
		metrics:        reg,
		now:            time.Now,
		byNotification: make(map[string][]*Confirmation),
		flushCh:        make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSink registers a flush destination. Sinks must not block; a slow sink
// delays the whole flush task.
func (s *Store) AddSink(sink BatchSink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// Start launches the flush and retention tasks.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.flushLoop()
	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop flushes whatever is pending and stops the background tasks.
func (s *Store) Stop(ctx context.Context) error {
	close(s.done)
	s.wg.Wait()
	s.Flush(ctx)
	return nil
}

// Record appends a confirmation and returns its ID. Zero-valued IDs and
// timestamps are filled in.
func (s *Store) Record(c *Confirmation) string {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = s.now()
	}

	s.mu.Lock()
	s.log = append(s.log, c)
	s.byNotification[c.NotificationID] = append(s.byNotification[c.NotificationID], c)
	s.pending = append(s.pending, c)
	trigger := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	s.metrics.Confirmations.WithLabelValues(string(c.Status)).Inc()

	if trigger {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
	return c.ID
}

// Convenience recorders, one per transition.

func (s *Store) RecordSent(notifID, tenant string, ch notification.Channel, meta Meta) string {
	return s.Record(&Confirmation{NotificationID: notifID, TenantID: tenant, Channel: ch, Status: StatusSent, Meta: meta})
}

func (s *Store) RecordDelivered(notifID, tenant string, ch notification.Channel, meta Meta) string {
	return s.Record(&Confirmation{NotificationID: notifID, TenantID: tenant, Channel: ch, Status: StatusDelivered, Meta: meta})
}

func (s *Store) RecordRead(notifID, tenant string, ch notification.Channel, meta Meta) string {
	return s.Record(&Confirmation{NotificationID: notifID, TenantID: tenant, Channel: ch, Status: StatusRead, Meta: meta})
}

func (s *Store) RecordClicked(notifID, tenant string, ch notification.Channel, meta Meta) string {
	return s.Record(&Confirmation{NotificationID: notifID, TenantID: tenant, Channel: ch, Status: StatusClicked, Meta: meta})
}

func (s *Store) RecordFailed(notifID, tenant string, ch notification.Channel, meta Meta) string {
	return s.Record(&Confirmation{NotificationID: notifID, TenantID: tenant, Channel: ch, Status: StatusFailed, Meta: meta})
}

func (s *Store) RecordBounced(notifID, tenant string, ch notification.Channel, meta Meta) string {
	return s.Record(&Confirmation{NotificationID: notifID, TenantID: tenant, Channel: ch, Status: StatusBounced, Meta: meta})
}

func (s *Store) RecordUnsubscribed(notifID, tenant string, ch notification.Channel, meta Meta) string {
	return s.Record(&Confirmation{NotificationID: notifID, TenantID: tenant, Channel: ch, Status: StatusUnsubscribed, Meta: meta})
}

// GetForNotification returns the confirmation trail for one notification.
func (s *Store) GetForNotification(id string) []*Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	trail := s.byNotification[id]
	out := make([]*Confirmation, len(trail))
	copy(out, trail)
	return out
}

// Filter narrows tenant-scoped queries.
type Filter struct {
	Status  Status
	Channel notification.Channel
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// GetForTenant returns the tenant's confirmations matching the filter, in
// append order.
func (s *Store) GetForTenant(tenant string, f Filter) []*Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Confirmation
	skipped := 0
	for _, c := range s.log {
		if c.TenantID != tenant {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Channel != "" && c.Channel != f.Channel {
			continue
		}
		if !f.From.IsZero() && c.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && c.Timestamp.After(f.To) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, c)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// AggregateStatus reports the set of statuses observed per channel for one
// notification.
func (s *Store) AggregateStatus(notifID string) map[notification.Channel][]Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[notification.Channel][]Status)
	for _, c := range s.byNotification[notifID] {
		seen := false
		for _, st := range out[c.Channel] {
			if st == c.Status {
				seen = true
				break
			}
		}
		if !seen {
			out[c.Channel] = append(out[c.Channel], c.Status)
		}
	}
	return out
}

// Flush hands the pending batch to every sink. A failed flush prepends the
// batch back, bounded by MaxPending with the oldest overflow dropped.
func (s *Store) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	sinks := make([]BatchSink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var failed bool
	for _, sink := range sinks {
		if err := sink.FlushBatch(ctx, batch); err != nil {
			failed = true
			s.logger.Error("confirmation flush failed",
				"batch_size", len(batch),
				"err", err,
			)
		}
	}

	if failed {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		if over := len(s.pending) - s.cfg.MaxPending; over > 0 {
			s.pending = s.pending[over:]
			s.metrics.ConfirmationsDropped.Add(float64(over))
			s.logger.Warn("pending confirmations over cap, dropping oldest", "dropped", over)
		}
		s.mu.Unlock()
		return
	}

	s.metrics.FlushBatches.Inc()
}

// SweepRetention drops log entries older than the retention window.
func (s *Store) SweepRetention() int {
	cutoff := s.now().Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.log[:0]
	removed := 0
	for _, c := range s.log {
		if c.Timestamp.Before(cutoff) {
			removed++
			trail := s.byNotification[c.NotificationID]
			for i, tc := range trail {
				if tc == c {
					s.byNotification[c.NotificationID] = append(trail[:i], trail[i+1:]...)
					break
				}
			}
			if len(s.byNotification[c.NotificationID]) == 0 {
				delete(s.byNotification, c.NotificationID)
			}
			continue
		}
		kept = append(kept, c)
	}
	s.log = kept
	return removed
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Flush(context.Background())
		case <-s.flushCh:
			s.Flush(context.Background())
		}
	}
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if removed := s.SweepRetention(); removed > 0 {
				s.logger.Debug("confirmation retention sweep", "removed", removed)
			}
		}
	}
}
