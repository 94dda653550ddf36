package cnode

import (
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultMaxMessageSize   = 64 << 20
)

type config struct {
	creation         uint32
	logHandler       slog.Handler
	msink            metrics.MetricSink
	metricLabels     []metrics.Label
	tracerProvider   trace.TracerProvider
	dialer           Dialer
	resolver         Resolver
	handshakeTimeout time.Duration
	maxMessageSize   int
}

// Option to pass to `NewNode`
type Option func(*config) error

// WithCreation sets the creation announced during the handshake and stamped
// on local pids. Zero lets the Node pick one from the wall clock.
func WithCreation(creation uint32) Option {
	return func(c *config) error {
		c.creation = creation
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the Node and its Connection.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTracerProvider sets where connect and accept spans go. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) error {
		c.tracerProvider = tp
		return nil
	}
}

// WithDialer replaces the TCP dialer used by `Node.Connect`.
func WithDialer(d Dialer) Option {
	return func(c *config) error {
		if d == nil {
			return errors.New("dialer must not be nil")
		}
		c.dialer = d
		return nil
	}
}

// WithResolver replaces the EPMD lookup used by `Node.Connect` to find the
// address of the target node.
func WithResolver(r Resolver) Option {
	return func(c *config) error {
		if r == nil {
			return errors.New("resolver must not be nil")
		}
		c.resolver = r
		return nil
	}
}

// WithHandshakeTimeout bounds the whole handshake, on top of the deadline
// of the context given to Connect or Accept.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("handshake timeout must not be negative")
		}
		if timeout == 0 {
			timeout = defaultHandshakeTimeout
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithMaxMessageSize caps the size of a received frame. Larger frames are a
// Receive error and break the Connection.
func WithMaxMessageSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return errors.New("max message size must be positive")
		}
		c.maxMessageSize = size
		return nil
	}
}
