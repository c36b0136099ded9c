package fabric

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pulseline/pulseline/internal/metrics"
)

// ErrConnectionLimit is returned when a transport's connection cap is hit.
var ErrConnectionLimit = errors.New("connection limit reached")

// Config tunes the hub's heartbeat and capacity behaviour.
type Config struct {
	PingInterval      time.Duration
	ConnectionTimeout time.Duration
	MaxPushStream     int
	MaxBidirectional  int
}

func (c *Config) normalize() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 60 * time.Second
	}
	if c.MaxPushStream <= 0 {
		c.MaxPushStream = 5000
	}
	if c.MaxBidirectional <= 0 {
		c.MaxBidirectional = 10000
	}
}

// Stats is the aggregate connection report served by /sse/stats.
type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	PushStream       int            `json:"pushStream"`
	Bidirectional    int            `json:"bidirectional"`
	Organizations    int            `json:"organizations"`
	ByOrganization   map[string]int `json:"byOrganization"`
	Uptime           time.Duration  `json:"uptime"`
}

// Hub owns the connection table and all secondary indexes. Every mutation
// happens under one write lock so the tenant/site/user indexes can never
// disagree with the primary table; broadcasts enumerate a snapshot taken
// under the read lock.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu       sync.RWMutex
	conns    map[string]*Conn
	byTenant map[string]map[string]*Conn
	bySite   map[string]map[string]*Conn
	byUser   map[string]map[string]*Conn
	counts   map[Kind]int

	started time.Time
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func NewHub(cfg Config, logger *slog.Logger, reg *metrics.Registry, opts ...Option) *Hub {
	cfg.normalize()
	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		metrics:  reg,
		now:      time.Now,
		conns:    make(map[string]*Conn),
		byTenant: make(map[string]map[string]*Conn),
		bySite:   make(map[string]map[string]*Conn),
		byUser:   make(map[string]map[string]*Conn),
		counts:   make(map[Kind]int),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()
	return h
}

// Start launches the heartbeat task.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.heartbeatLoop()
}

// Stop terminates the heartbeat task and closes every live connection.
func (h *Hub) Stop() {
	close(h.done)
	h.wg.Wait()

	for _, c := range h.snapshot() {
		c.Close("shutdown")
		h.Unregister(c.ID, "shutdown")
	}
}

// CanAccept reports whether a new handshake of the given kind fits under the
// transport cap. The register call re-checks under the lock; this exists so
// handlers can reject before upgrading.
func (h *Hub) CanAccept(kind Kind) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts[kind] < h.capFor(kind)
}

// Register adds the connection to the table and all indexes.
func (h *Hub) Register(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.counts[c.Kind] >= h.capFor(c.Kind) {
		return ErrConnectionLimit
	}

	h.conns[c.ID] = c
	addIndex(h.byTenant, c.TenantID, c)
	addIndex(h.bySite, c.SiteID, c)
	addIndex(h.byUser, c.UserID, c)
	h.counts[c.Kind]++

	h.metrics.ActiveConnections.WithLabelValues(string(c.Kind)).Inc()
	h.logger.Debug("connection registered",
		"conn_id", c.ID,
		"transport", string(c.Kind),
		"organization_id", c.TenantID,
	)
	return nil
}

// Unregister removes the connection and closes it with the given reason.
// Safe to call for already-removed IDs.
func (h *Hub) Unregister(id, reason string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
		dropIndex(h.byTenant, c.TenantID, id)
		dropIndex(h.bySite, c.SiteID, id)
		dropIndex(h.byUser, c.UserID, id)
		h.counts[c.Kind]--
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	c.Close(reason)
	h.metrics.ActiveConnections.WithLabelValues(string(c.Kind)).Dec()
	h.logger.Debug("connection unregistered", "conn_id", id, "reason", reason)
}

// Get looks up a live connection by ID.
func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Broadcast sends the frame to every connection matching the filter. A nil
// filter matches everything. Returns the number of successful sends and the
// number of matched connections.
func (h *Hub) Broadcast(f *Frame, filter func(*Conn) bool) (sent, matched int) {
	for _, c := range h.snapshot() {
		if filter != nil && !filter(c) {
			continue
		}
		matched++
		if c.Send(f) {
			sent++
		}
	}
	if sent > 0 {
		h.metrics.BroadcastsSent.Add(float64(sent))
	}
	return sent, matched
}

// SendToOrganization delivers to every connection of the tenant.
func (h *Hub) SendToOrganization(tenant string, f *Frame) (sent, matched int) {
	return h.Broadcast(f, func(c *Conn) bool { return c.TenantID == tenant })
}

// SendToSite delivers to every connection of the site.
func (h *Hub) SendToSite(site string, f *Frame) (sent, matched int) {
	return h.Broadcast(f, func(c *Conn) bool { return c.SiteID == site })
}

// SendToUser delivers to every connection of the user.
func (h *Hub) SendToUser(user string, f *Frame) (sent, matched int) {
	return h.Broadcast(f, func(c *Conn) bool { return c.UserID == user })
}

// SendToChannel delivers to every connection subscribed to the named channel.
func (h *Hub) SendToChannel(channel string, f *Frame) (sent, matched int) {
	return h.Broadcast(f, func(c *Conn) bool { return c.Subscribed(channel) })
}

// Stats reports aggregate connection counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		TotalConnections: len(h.conns),
		PushStream:       h.counts[KindPushStream],
		Bidirectional:    h.counts[KindBidirectional],
		Organizations:    len(h.byTenant),
		ByOrganization:   make(map[string]int, len(h.byTenant)),
		Uptime:           h.now().Sub(h.started),
	}
	for tenant, conns := range h.byTenant {
		s.ByOrganization[tenant] = len(conns)
	}
	return s
}

// SweepOnce runs one heartbeat pass: stale connections are closed with
// reason "timeout", live ones receive a ping frame.
func (h *Hub) SweepOnce() {
	now := h.now()
	ping := &Frame{
		Type:      FramePing,
		Data:      map[string]string{"serverTime": now.UTC().Format(time.RFC3339)},
		Timestamp: now,
	}

	for _, c := range h.snapshot() {
		if now.Sub(c.LastActivity()) > h.cfg.ConnectionTimeout {
			h.logger.Info("connection timed out",
				"conn_id", c.ID,
				"last_activity", c.LastActivity(),
			)
			h.Unregister(c.ID, "timeout")
			continue
		}
		c.Send(ping)
	}
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.SweepOnce()
		}
	}
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) capFor(kind Kind) int {
	if kind == KindBidirectional {
		return h.cfg.MaxBidirectional
	}
	return h.cfg.MaxPushStream
}

func addIndex(idx map[string]map[string]*Conn, key string, c *Conn) {
	if key == "" {
		return
	}
	m, ok := idx[key]
	if !ok {
		m = make(map[string]*Conn)
		idx[key] = m
	}
	m[c.ID] = c
}

func dropIndex(idx map[string]map[string]*Conn, key, id string) {
	if key == "" {
		return
	}
	if m, ok := idx[key]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(idx, key)
		}
	}
}
