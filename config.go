package rawrcache

import (
	"log/slog"

	"github.com/Keksclan/rawrcache/breaker"
	"github.com/Keksclan/rawrcache/cache"
	"github.com/Keksclan/rawrcache/tracing"
	"github.com/prometheus/client_golang/prometheus"
)

// config holds the internal configuration assembled via functional options.
type config struct {
	servers     []cache.Server
	factories   []namedFactory
	logger      *slog.Logger
	metrics     bool
	registry    *prometheus.Registry
	tracing     *tracing.TracingConfig
	breaker     *breaker.Config
	handlerOpts []cache.HandlerOption
}

type namedFactory struct {
	name string
	f    cache.Factory
}
