package rawrcache

import (
	"log/slog"

	"github.com/Keksclan/rawrcache/breaker"
	"github.com/Keksclan/rawrcache/cache"
	"github.com/Keksclan/rawrcache/tracing"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Service.
type Option func(*config)

// WithServer registers a named server endpoint that factories resolve
// during Start. A later server with the same name replaces the earlier one.
func WithServer(srv cache.Server) Option {
	return func(c *config) {
		c.servers = append(c.servers, srv)
	}
}

// WithFactory registers a named factory. Factories are initialized in
// registration order and destroyed in reverse order.
func WithFactory(name string, f cache.Factory) Option {
	return func(c *config) {
		c.factories = append(c.factories, namedFactory{name: name, f: f})
	}
}

// WithLogger sets the logger used by the service and its handlers.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation of every store the service
// hands out. The collectors are registered with reg, which also backs
// MetricsHandler. A nil reg uses the default registry.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) {
		c.metrics = true
		c.registry = reg
	}
}

// WithTracing enables OpenTelemetry spans around every store operation.
func WithTracing(tc *tracing.TracingConfig) Option {
	return func(c *config) {
		c.tracing = tc
	}
}

// WithHandlerOptions sets options applied to every Handler the service
// builds, after the service logger.
func WithHandlerOptions(opts ...cache.HandlerOption) Option {
	return func(c *config) {
		c.handlerOpts = append(c.handlerOpts, opts...)
	}
}

// WithCircuitBreaker guards the stores of every remote factory with a
// circuit breaker. Each factory gets its own breaker, shared by all of its
// namespaces.
func WithCircuitBreaker(bc breaker.Config) Option {
	return func(c *config) {
		c.breaker = &bc
	}
}
