package client

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/collabsync/pkg/collab"
	"github.com/vango-dev/collabsync/pkg/events"
	"github.com/vango-dev/collabsync/pkg/metrics"
)

// Identity is the externally issued identity the client acts as. Token is
// opaque and only forwarded to the transport.
type Identity struct {
	UserID      string
	DisplayName string
	Role        string
	Token       string
}

type options struct {
	dialer     Dialer
	url        string
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metrics.Collector
	dispatcher *events.Dispatcher
	resolver   collab.Resolver
	tracer     trace.Tracer
}

// Option configures a Client or Manager.
type Option func(*options)

// WithDialer sets the transport.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithURL connects to a WebSocket endpoint, authenticating with the
// identity token.
func WithURL(url string) Option {
	return func(o *options) {
		o.url = url
	}
}

// WithClock sets the clock driving heartbeats, backoff and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithDispatcher shares an existing event dispatcher.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

// WithResolver overrides the default last-writer-wins conflict resolver.
func WithResolver(r collab.Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithTracer sets the tracer used by collaboration sessions.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

func buildOptions(cfg *Config, identity Identity, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.dispatcher == nil {
		o.dispatcher = events.New(o.logger)
	}
	if o.dialer == nil && o.url != "" {
		o.dialer = &WebSocketDialer{
			URL:              o.url,
			Token:            identity.Token,
			HandshakeTimeout: cfg.ConnectTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		}
	}
	return o
}
