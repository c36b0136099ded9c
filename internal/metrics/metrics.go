// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulseline"

// Registry owns every collector the service registers. Each subsystem keeps a
// reference and updates its own instruments.
type Registry struct {
	reg *prometheus.Registry

	// Dispatcher.
	QueueDepth      *prometheus.GaugeVec
	Enqueued        prometheus.Counter
	Delivered       prometheus.Counter
	Failed          prometheus.Counter
	Expired         prometheus.Counter
	Retries         prometheus.Counter
	InFlight        prometheus.Gauge
	ProcessSeconds  prometheus.Histogram

	// Channels.
	ChannelDelivered *prometheus.CounterVec
	ChannelFailed    *prometheus.CounterVec

	// Real-time fabric.
	ActiveConnections   *prometheus.GaugeVec
	ConnectionsRejected *prometheus.CounterVec
	BroadcastsSent      prometheus.Counter

	// Rate limiter.
	RateLimitDenied *prometheus.CounterVec

	// Confirmation store.
	Confirmations        *prometheus.CounterVec
	ConfirmationsDropped prometheus.Counter
	FlushBatches         prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto(reg)

	return &Registry{
		reg: reg,

		QueueDepth: factory.gaugeVec("queue_depth", "Pending notifications per priority bucket.", "priority"),
		Enqueued:   factory.counter("notifications_enqueued_total", "Notifications accepted into the queue."),
		Delivered:  factory.counter("notifications_delivered_total", "Notifications with at least one delivered channel."),
		Failed:     factory.counter("notifications_failed_total", "Notifications that exhausted their attempts."),
		Expired:    factory.counter("notifications_expired_total", "Notifications expired before dispatch."),
		Retries:    factory.counter("notification_retries_total", "Retry attempts scheduled."),
		InFlight:   factory.gauge("notifications_in_flight", "Notifications currently being processed."),
		ProcessSeconds: factory.histogram("notification_processing_seconds",
			"Enqueue-to-delivery latency.",
			[]float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}),

		ChannelDelivered: factory.counterVec("channel_delivered_total", "Per-channel successful deliveries.", "channel"),
		ChannelFailed:    factory.counterVec("channel_failed_total", "Per-channel failed deliveries.", "channel"),

		ActiveConnections:   factory.gaugeVec("active_connections", "Live realtime connections per transport.", "transport"),
		ConnectionsRejected: factory.counterVec("connections_rejected_total", "Rejected handshakes.", "transport", "reason"),
		BroadcastsSent:      factory.counter("broadcasts_sent_total", "Messages delivered over the realtime fabric."),

		RateLimitDenied: factory.counterVec("ratelimit_denied_total", "Denied rate limit checks.", "scope"),

		Confirmations:        factory.counterVec("confirmations_total", "Delivery confirmations recorded.", "status"),
		ConfirmationsDropped: factory.counter("confirmations_dropped_total", "Confirmations dropped by the pending cap."),
		FlushBatches:         factory.counter("confirmation_flush_batches_total", "Confirmation batches flushed."),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

type promFactory struct {
	reg prometheus.Registerer
}

func promauto(reg prometheus.Registerer) promFactory {
	return promFactory{reg: reg}
}

func (f promFactory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	f.reg.MustRegister(c)
	return c
}

func (f promFactory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	f.reg.MustRegister(c)
	return c
}

func (f promFactory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	f.reg.MustRegister(g)
	return g
}

func (f promFactory) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	f.reg.MustRegister(g)
	return g
}

func (f promFactory) histogram(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
	f.reg.MustRegister(h)
	return h
}
