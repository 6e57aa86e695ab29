// Package metrics exposes Prometheus instrumentation for the sync client
// and the relay.
//
// Every Collector method is safe on a nil receiver, so components can treat
// metrics as optional.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/collabsync/pkg/protocol"
)

// Config configures a Collector.
type Config struct {
	// Namespace is the metrics namespace (default: "collabsync").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: a fresh registry per Collector, so several clients can live in
	// one process.
	Registry prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "collabsync",
	}
}

// Collector holds the Prometheus metrics of one client or relay.
type Collector struct {
	registry prometheus.Registerer

	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	queueEvictions    prometheus.Counter
	queueDepth        prometheus.Gauge
	reconnectAttempts prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	heartbeatRTT      prometheus.Histogram
	connectionState   *prometheus.GaugeVec
	conflicts         *prometheus.CounterVec
	connections       prometheus.Gauge

	stateMu sync.Mutex
	state   string
}

// New creates and registers a Collector.
func New(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(config.Registry)

	return &Collector{
		registry: config.Registry,

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Messages written to the transport, by kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_received_total",
			Help:        "Messages decoded from the transport, by kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "decode_errors_total",
			Help:        "Inbound frames dropped because they could not be decoded",
			ConstLabels: config.ConstLabels,
		}),

		queueEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_evictions_total",
			Help:        "Queued messages dropped because the outbound queue was full",
			ConstLabels: config.ConstLabels,
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_depth",
			Help:        "Messages waiting in the outbound queue",
			ConstLabels: config.ConstLabels,
		}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_attempts_total",
			Help:        "Reconnect attempts scheduled after a transport failure",
			ConstLabels: config.ConstLabels,
		}),

		heartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "heartbeat_timeouts_total",
			Help:        "Heartbeats that went unanswered",
			ConstLabels: config.ConstLabels,
		}),

		heartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "heartbeat_rtt_seconds",
			Help:        "Round-trip time of answered heartbeats",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_state",
			Help:        "1 for the current connection state, 0 otherwise",
			ConstLabels: config.ConstLabels,
		}, []string{"state"}),

		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "conflicts_resolved_total",
			Help:        "Conflicts that reached a terminal resolution",
			ConstLabels: config.ConstLabels,
		}, []string{"resolution"}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections",
			Help:        "Open relay connections",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// MessageSent counts an outbound message.
func (c *Collector) MessageSent(kind protocol.Kind) {
	if c == nil {
		return
	}
	c.messagesSent.WithLabelValues(kind.String()).Inc()
}

// MessageReceived counts an inbound message.
func (c *Collector) MessageReceived(kind protocol.Kind) {
	if c == nil {
		return
	}
	c.messagesReceived.WithLabelValues(kind.String()).Inc()
}

// DecodeError counts a dropped inbound frame.
func (c *Collector) DecodeError() {
	if c == nil {
		return
	}
	c.decodeErrors.Inc()
}

// QueueEvicted counts n messages dropped from the outbound queue.
func (c *Collector) QueueEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.queueEvictions.Add(float64(n))
}

// SetQueueDepth records the outbound queue length.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// ReconnectAttempt counts a scheduled reconnect.
func (c *Collector) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnectAttempts.Inc()
}

// HeartbeatTimeout counts a missed heartbeat.
func (c *Collector) HeartbeatTimeout() {
	if c == nil {
		return
	}
	c.heartbeatTimeouts.Inc()
}

// ObserveRTT records a heartbeat round trip.
func (c *Collector) ObserveRTT(d time.Duration) {
	if c == nil {
		return
	}
	c.heartbeatRTT.Observe(d.Seconds())
}

// SetConnectionState marks state as current.
func (c *Collector) SetConnectionState(state string) {
	if c == nil {
		return
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.state != "" && c.state != state {
		c.connectionState.WithLabelValues(c.state).Set(0)
	}
	c.state = state
	c.connectionState.WithLabelValues(state).Set(1)
}

// ConflictResolved counts a terminal conflict resolution.
func (c *Collector) ConflictResolved(resolution string) {
	if c == nil {
		return
	}
	c.conflicts.WithLabelValues(resolution).Inc()
}

// ConnectionOpened increments the open connection gauge.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

// Gatherer returns the registry the collector reports to. If the configured
// registerer cannot gather, the default gatherer is returned.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c != nil {
		if g, ok := c.registry.(prometheus.Gatherer); ok {
			return g
		}
	}
	return prometheus.DefaultGatherer
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}
