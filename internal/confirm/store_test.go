package confirm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pulseline/pulseline/internal/domain/notification"
	"github.com/pulseline/pulseline/internal/metrics"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(cfg, logger, metrics.NewRegistry())
}

type captureSink struct {
	batches [][]*Confirmation
	err     error
}

func (s *captureSink) FlushBatch(_ context.Context, batch []*Confirmation) error {
	if s.err != nil {
		return s.err
	}
	copied := make([]*Confirmation, len(batch))
	copy(copied, batch)
	s.batches = append(s.batches, copied)
	return nil
}

func TestRecordAndAggregate(t *testing.T) {
	s := newTestStore(t, Config{})

	id := s.RecordSent("n1", "org-1", notification.ChannelEmail, Meta{})
	if id == "" {
		t.Fatal("empty confirmation id")
	}
	s.RecordDelivered("n1", "org-1", notification.ChannelEmail, Meta{ProviderMessageID: "prov-7"})
	s.RecordSent("n1", "org-1", notification.ChannelWeb, Meta{})

	trail := s.GetForNotification("n1")
	if len(trail) != 3 {
		t.Fatalf("trail length = %d", len(trail))
	}

	agg := s.AggregateStatus("n1")
	if got := agg[notification.ChannelEmail]; len(got) != 2 || got[0] != StatusSent || got[1] != StatusDelivered {
		t.Fatalf("email statuses = %v", got)
	}
	if got := agg[notification.ChannelWeb]; len(got) != 1 || got[0] != StatusSent {
		t.Fatalf("web statuses = %v", got)
	}
}

func TestAppendOnly(t *testing.T) {
	s := newTestStore(t, Config{})

	s.RecordSent("n1", "org-1", notification.ChannelWeb, Meta{})
	before := len(s.GetForTenant("org-1", Filter{}))

	s.RecordDelivered("n1", "org-1", notification.ChannelWeb, Meta{})
	after := len(s.GetForTenant("org-1", Filter{}))

	if after != before+1 {
		t.Fatalf("log grew by %d, want 1", after-before)
	}
}

func TestFlushDeliversBatchAndRetriesOnError(t *testing.T) {
	s := newTestStore(t, Config{MaxPending: 10})
	sink := &captureSink{err: errors.New("db down")}
	s.AddSink(sink)

	s.RecordSent("n1", "org-1", notification.ChannelWeb, Meta{})
	s.RecordSent("n2", "org-1", notification.ChannelWeb, Meta{})

	// Failed flush keeps the batch pending.
	s.Flush(context.Background())
	if len(sink.batches) != 0 {
		t.Fatal("failed sink should not have recorded a batch")
	}

	sink.err = nil
	s.Flush(context.Background())
	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Fatalf("batches = %v", sink.batches)
	}

	// Nothing pending afterwards.
	s.Flush(context.Background())
	if len(sink.batches) != 1 {
		t.Fatal("empty flush emitted a batch")
	}
}

func TestPendingCapDropsOldest(t *testing.T) {
	s := newTestStore(t, Config{MaxPending: 2})
	sink := &captureSink{err: errors.New("db down")}
	s.AddSink(sink)

	s.RecordSent("n1", "org-1", notification.ChannelWeb, Meta{})
	s.RecordSent("n2", "org-1", notification.ChannelWeb, Meta{})
	s.RecordSent("n3", "org-1", notification.ChannelWeb, Meta{})
	s.Flush(context.Background())

	sink.err = nil
	s.Flush(context.Background())
	if len(sink.batches) != 1 {
		t.Fatalf("batches = %d", len(sink.batches))
	}
	got := sink.batches[0]
	if len(got) != 2 {
		t.Fatalf("kept %d pending, want 2", len(got))
	}
	if got[0].NotificationID != "n2" || got[1].NotificationID != "n3" {
		t.Fatalf("oldest entry not dropped: %s, %s", got[0].NotificationID, got[1].NotificationID)
	}
}

func TestRetentionSweep(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewStore(Config{Retention: 24 * time.Hour},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics.NewRegistry(),
		WithClock(func() time.Time { return now }))

	s.Record(&Confirmation{NotificationID: "old", TenantID: "org-1",
		Channel: notification.ChannelWeb, Status: StatusSent,
		Timestamp: now.Add(-48 * time.Hour)})
	s.Record(&Confirmation{NotificationID: "fresh", TenantID: "org-1",
		Channel: notification.ChannelWeb, Status: StatusSent,
		Timestamp: now.Add(-time.Hour)})

	if removed := s.SweepRetention(); removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
	if got := s.GetForNotification("old"); len(got) != 0 {
		t.Fatal("expired confirmation still readable")
	}
	if got := s.GetForNotification("fresh"); len(got) != 1 {
		t.Fatal("fresh confirmation swept")
	}
}

func TestAnalytics(t *testing.T) {
	s := newTestStore(t, Config{})
	for i := 0; i < 4; i++ {
		s.RecordSent("n", "org-1", notification.ChannelEmail, Meta{})
	}
	s.RecordDelivered("n", "org-1", notification.ChannelEmail, Meta{})
	s.RecordDelivered("n", "org-1", notification.ChannelEmail, Meta{})
	s.RecordRead("n", "org-1", notification.ChannelEmail, Meta{})
	s.RecordBounced("n", "org-1", notification.ChannelEmail, Meta{})

	r := s.Analytics("org-1", time.Time{}, time.Time{})
	if r.Total != 4 {
		t.Fatalf("total = %d", r.Total)
	}
	if r.DeliveryRate != 0.5 {
		t.Fatalf("delivery rate = %v", r.DeliveryRate)
	}
	if r.ReadRate != 0.25 {
		t.Fatalf("read rate = %v", r.ReadRate)
	}
	if r.BounceRate != 0.25 {
		t.Fatalf("bounce rate = %v", r.BounceRate)
	}
	bd := r.PerChannel[notification.ChannelEmail]
	if bd == nil || bd.Sent != 4 || bd.Delivered != 2 {
		t.Fatalf("breakdown = %+v", bd)
	}
}

func TestTrackingPixelRecordsRead(t *testing.T) {
	s := newTestStore(t, Config{})
	tracker := NewTracker(s)

	url := tracker.PixelURL("n1", "org-1", notification.ChannelEmail)
	token := strings.TrimPrefix(url, "/t/pixel/")

	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	tracker.ServePixel(rec, req, token)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/gif" {
		t.Fatalf("content type = %q", ct)
	}

	agg := s.AggregateStatus("n1")
	if got := agg[notification.ChannelEmail]; len(got) != 1 || got[0] != StatusRead {
		t.Fatalf("statuses = %v", got)
	}
}

func TestClickTrackingRedirects(t *testing.T) {
	s := newTestStore(t, Config{})
	tracker := NewTracker(s)

	url := tracker.ClickURL("n1", "org-1", notification.ChannelEmail, "https://example.com/offer")
	token := strings.TrimPrefix(url, "/t/click/")

	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	tracker.ServeClick(rec, req, token)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/offer" {
		t.Fatalf("location = %q", loc)
	}

	trail := s.GetForNotification("n1")
	if len(trail) != 1 || trail[0].Status != StatusClicked {
		t.Fatalf("trail = %v", trail)
	}
	if trail[0].Meta.ClickedURL != "https://example.com/offer" {
		t.Fatalf("clicked url = %q", trail[0].Meta.ClickedURL)
	}

	// Unknown token 404s without recording anything.
	rec = httptest.NewRecorder()
	tracker.ServeClick(rec, req, "missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown token status = %d", rec.Code)
	}
}
