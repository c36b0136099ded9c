// Package channel implements the per-channel delivery processors (web, email,
// push) behind one Processor contract, plus the registry the router fans out
// through.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pulseline/pulseline/internal/domain/notification"
	"github.com/pulseline/pulseline/internal/ratelimit"
)

// Result is the per-channel outcome of one delivery attempt.
//
// Permanent marks failures no retry can fix ("no device tokens", "no
// recipient"); the retry engine drops the channel instead of re-attempting.
type Result struct {
	Success   bool
	Delivered []notification.Channel
	Failed    []notification.Channel
	Permanent bool
	Err       error
}

func skipped() Result {
	return Result{Success: true}
}

func failed(ch notification.Channel, permanent bool, err error) Result {
	return Result{Failed: []notification.Channel{ch}, Permanent: permanent, Err: err}
}

func delivered(ch notification.Channel) Result {
	return Result{Success: true, Delivered: []notification.Channel{ch}}
}

// Processor delivers one notification over a single channel. A processor
// whose channel is absent from the notification's channel set returns
// success with empty delivered/failed sets.
type Processor interface {
	Channel() notification.Channel
	Process(ctx context.Context, n *notification.Notification) Result
}

// Registry maps channels to processors. Registration is data, not
// inheritance: the router only ever sees the Processor contract.
type Registry struct {
	mu    sync.RWMutex
	procs map[notification.Channel]Processor
}

func NewRegistry(procs ...Processor) *Registry {
	r := &Registry{procs: make(map[notification.Channel]Processor)}
	for _, p := range procs {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	r.procs[p.Channel()] = p
	r.mu.Unlock()
}

func (r *Registry) Get(ch notification.Channel) (Processor, bool) {
	r.mu.RLock()
	p, ok := r.procs[ch]
	r.mu.RUnlock()
	return p, ok
}

func (r *Registry) Channels() []notification.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]notification.Channel, 0, len(r.procs))
	for ch := range r.procs {
		out = append(out, ch)
	}
	return out
}

// Stats aggregates per-processor counters and an exponentially weighted
// average delivery time.
type Stats struct {
	mu        sync.Mutex
	sent      int64
	delivered int64
	failed    int64
	avgNanos  float64
}

// ewmaAlpha weights the newest sample against the running average.
const ewmaAlpha = 0.2

func (s *Stats) RecordSent()   { s.mu.Lock(); s.sent++; s.mu.Unlock() }
func (s *Stats) RecordFailed() { s.mu.Lock(); s.failed++; s.mu.Unlock() }

func (s *Stats) RecordDelivered(took time.Duration) {
	s.mu.Lock()
	s.delivered++
	if s.avgNanos == 0 {
		s.avgNanos = float64(took.Nanoseconds())
	} else {
		s.avgNanos = ewmaAlpha*float64(took.Nanoseconds()) + (1-ewmaAlpha)*s.avgNanos
	}
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of a processor's counters.
type StatsSnapshot struct {
	Sent            int64         `json:"sent"`
	Delivered       int64         `json:"delivered"`
	Failed          int64         `json:"failed"`
	AvgDeliveryTime time.Duration `json:"avgDeliveryTime"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Sent:            s.sent,
		Delivered:       s.delivered,
		Failed:          s.failed,
		AvgDeliveryTime: time.Duration(s.avgNanos),
	}
}

// gate wraps the rate limiter consultation shared by all processors. Keys
// are scoped per tenant so one noisy organization cannot starve another.
type gate struct {
	limiter *ratelimit.Limiter
	policy  ratelimit.PolicySource
}

func (g *gate) allow(ctx context.Context, ch notification.Channel, tenant string) bool {
	if g == nil || g.limiter == nil {
		return true
	}
	key := fmt.Sprintf("%s:%s", ch, tenant)
	res, err := g.limiter.Check(ctx, key, g.policy())
	if err != nil {
		// Fail-open: the limiter already logged the store error.
		return true
	}
	return res.Allowed
}

var errRateLimited = fmt.Errorf("rate limit exceeded")
