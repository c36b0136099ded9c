package dispatch

import (
	"sync"
	"time"

	"github.com/pulseline/pulseline/internal/domain/notification"
)

// throughputWindow is the trailing interval the delivery rate is computed
// over.
const throughputWindow = 60 * time.Second

// statsEWMAAlpha weights the newest processing-time sample.
const statsEWMAAlpha = 0.2

// Stats is the dispatcher's aggregate report.
type Stats struct {
	Queued     int            `json:"queued"`
	InFlight   int            `json:"inFlight"`
	Completed  int            `json:"completed"`
	ByPriority map[string]int `json:"byPriority"`
	ByStatus   map[string]int `json:"byStatus"`

	TotalEnqueued  int64 `json:"totalEnqueued"`
	TotalDelivered int64 `json:"totalDelivered"`
	TotalFailed    int64 `json:"totalFailed"`
	TotalExpired   int64 `json:"totalExpired"`
	TotalRetries   int64 `json:"totalRetries"`

	AvgProcessingTime time.Duration `json:"avgProcessingTime"`
	// ThroughputPerMin counts Delivered transitions in the trailing window.
	ThroughputPerMin int `json:"throughputPerMinute"`
}

// counters tracks the monotonic totals plus the EWMA and throughput ring.
// TotalDelivered increments once per notification that gained any delivered
// channel, even when other channels are still retrying.
type counters struct {
	mu sync.Mutex

	enqueued  int64
	delivered int64
	failed    int64
	expired   int64
	retries   int64

	avgNanos   float64
	deliveries []time.Time
	counted    map[string]struct{}
}

func newCounters() *counters {
	return &counters{counted: make(map[string]struct{})}
}

func (c *counters) recordEnqueued() {
	c.mu.Lock()
	c.enqueued++
	c.mu.Unlock()
}

func (c *counters) recordFailed() {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

func (c *counters) recordExpired() {
	c.mu.Lock()
	c.expired++
	c.mu.Unlock()
}

func (c *counters) recordRetry() {
	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
}

// recordDelivered counts the notification once across all its attempts and
// feeds the throughput ring. Reports whether this call was the first.
func (c *counters) recordDelivered(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.counted[id]; ok {
		return false
	}
	c.counted[id] = struct{}{}
	c.delivered++
	c.deliveries = append(c.deliveries, now)
	return true
}

func (c *counters) recordProcessingTime(took time.Duration) {
	c.mu.Lock()
	if c.avgNanos == 0 {
		c.avgNanos = float64(took.Nanoseconds())
	} else {
		c.avgNanos = statsEWMAAlpha*float64(took.Nanoseconds()) + (1-statsEWMAAlpha)*c.avgNanos
	}
	c.mu.Unlock()
}

// forget drops the once-per-notification dedup entry when the item is aged
// out of the completed map.
func (c *counters) forget(id string) {
	c.mu.Lock()
	delete(c.counted, id)
	c.mu.Unlock()
}

func (c *counters) snapshot(now time.Time) (totals Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-throughputWindow)
	keep := c.deliveries[:0]
	for _, t := range c.deliveries {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	c.deliveries = keep

	return Stats{
		TotalEnqueued:     c.enqueued,
		TotalDelivered:    c.delivered,
		TotalFailed:       c.failed,
		TotalExpired:      c.expired,
		TotalRetries:      c.retries,
		AvgProcessingTime: time.Duration(c.avgNanos),
		ThroughputPerMin:  len(c.deliveries),
	}
}

func priorityNames() []notification.Priority {
	return []notification.Priority{
		notification.PriorityLow,
		notification.PriorityNormal,
		notification.PriorityHigh,
		notification.PriorityUrgent,
		notification.PriorityCritical,
	}
}
