// Package rawrcache wires named cache store factories to the server
// endpoints they connect to and hands out instrumented stores and handlers.
//
//	svc, err := rawrcache.NewService(
//		rawrcache.WithServer(cache.Server{Name: "main", Host: "localhost", Port: 6379}),
//		rawrcache.WithFactory("sessions", cache.NewRedisFactory("main", cache.WithIndexCount(1))),
//	)
//	if err := svc.Start(ctx); err != nil { ... }
//	defer svc.Stop()
//	store, err := svc.Store("sessions", "users")
package rawrcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Keksclan/rawrcache/breaker"
	"github.com/Keksclan/rawrcache/cache"
	"github.com/Keksclan/rawrcache/health"
	"github.com/Keksclan/rawrcache/interceptors"
	"github.com/Keksclan/rawrcache/metrics"
	"github.com/Keksclan/rawrcache/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

// ErrUnknownFactory is returned when a factory name is not registered.
var ErrUnknownFactory = errors.New("rawrcache: unknown factory")

// ErrNotStarted is returned by Store and Handler before Start succeeded.
var ErrNotStarted = errors.New("rawrcache: service not started")

// Service owns the server endpoint registry and a set of named factories.
// Start initializes every factory against the registry; Stop destroys them.
type Service struct {
	servers   cache.Servers
	factories []namedFactory
	byName    map[string]cache.Factory
	breakers  map[string]*breaker.Breaker

	logger      *slog.Logger
	registry    *prometheus.Registry
	metrics     *metrics.Collector
	tracing     *tracing.TracingConfig
	handlerOpts []cache.HandlerOption

	mu      sync.RWMutex
	started bool
}

// NewService creates a new [Service] from the supplied functional [Option]
// values. It fails when two factories share a name or a factory is nil.
func NewService(opts ...Option) (*Service, error) {
	cfg := config{logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}

	s := &Service{
		servers:     cache.NewServers(cfg.servers...),
		factories:   cfg.factories,
		byName:      make(map[string]cache.Factory, len(cfg.factories)),
		breakers:    make(map[string]*breaker.Breaker),
		logger:      cfg.logger,
		registry:    cfg.registry,
		tracing:     cfg.tracing,
		handlerOpts: cfg.handlerOpts,
	}
	for _, nf := range cfg.factories {
		if nf.name == "" || nf.f == nil {
			return nil, &cache.ConfigError{Field: "factories", Message: "factory needs a name and an implementation"}
		}
		if _, dup := s.byName[nf.name]; dup {
			return nil, &cache.ConfigError{Field: "factories", Message: fmt.Sprintf("duplicate factory %q", nf.name)}
		}
		s.byName[nf.name] = nf.f
		if cfg.breaker != nil && !nf.f.CanUseForLocalCache() {
			s.breakers[nf.name] = breaker.New(*cfg.breaker)
		}
	}
	if cfg.metrics {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		if cfg.registry != nil {
			reg = cfg.registry
		}
		c, err := metrics.NewCollector(reg)
		if err != nil {
			return nil, fmt.Errorf("rawrcache: register metrics: %w", err)
		}
		s.metrics = c
	}
	return s, nil
}

// Start initializes the factories in registration order. When one fails,
// the already initialized ones are destroyed in reverse order and the
// first error is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return cache.ErrAlreadyInitialized
	}
	for i, nf := range s.factories {
		if err := nf.f.Init(ctx, s.servers); err != nil {
			for j := i - 1; j >= 0; j-- {
				if derr := s.factories[j].f.Destroy(); derr != nil {
					s.logger.Warn("rollback: destroy factory failed",
						slog.String("factory", s.factories[j].name),
						slog.Any("error", derr),
					)
				}
			}
			return fmt.Errorf("rawrcache: init factory %q: %w", nf.name, err)
		}
	}
	s.started = true
	s.logger.Info("cache service started", slog.Int("factories", len(s.factories)))
	return nil
}

// Stop destroys the factories in reverse registration order and returns
// every failure joined. Stop on a service that is not started is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	var errs []error
	for i := len(s.factories) - 1; i >= 0; i-- {
		nf := s.factories[i]
		if err := nf.f.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("rawrcache: destroy factory %q: %w", nf.name, err))
		}
	}
	s.logger.Info("cache service stopped")
	return errors.Join(errs...)
}

// Factory returns the factory registered under name.
func (s *Service) Factory(name string) (cache.Factory, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Store creates a store for namespace through the named factory, wrapped
// with the configured circuit breaker, metrics and tracing.
func (s *Service) Store(factory, namespace string) (cache.Store, error) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	f, ok := s.byName[factory]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFactory, factory)
	}
	st, err := f.CreateStore(namespace)
	if err != nil {
		return nil, err
	}
	if b, ok := s.breakers[factory]; ok {
		st = breaker.Wrap(st, b)
	}
	if s.metrics != nil {
		st = s.metrics.Wrap(st)
	}
	return tracing.Wrap(st, s.tracing), nil
}

// Handler creates a store through Store and wraps it in a Handler that logs
// with the service logger.
func (s *Service) Handler(factory, namespace string) (*cache.Handler, error) {
	st, err := s.Store(factory, namespace)
	if err != nil {
		return nil, err
	}
	opts := append([]cache.HandlerOption{cache.WithHandlerLogger(s.logger)}, s.handlerOpts...)
	return cache.NewHandler(st, opts...)
}

// Health pings every factory that can reach a backend. Factories without a
// backend report nil.
func (s *Service) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, len(s.factories))
	for _, nf := range s.factories {
		var err error
		if p, ok := nf.f.(cache.Pinger); ok {
			err = p.Ping(ctx)
		}
		out[nf.name] = err
	}
	return out
}

// RegisterHealth registers the rawrcache.Health service backed by s on srv.
func (s *Service) RegisterHealth(srv *grpc.Server) {
	health.Register(srv, health.NewHandler(s))
}

// NewGRPCServer returns a gRPC server with panic recovery and cache error
// mapping installed and the health service registered. opts are appended to
// the built-in ones.
func (s *Service) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			interceptors.RecoveryUnary(s.logger),
			interceptors.CacheErrorsUnary(s.logger),
		),
	}, opts...)
	gs := grpc.NewServer(opts...)
	s.RegisterHealth(gs)
	return gs
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func (s *Service) MetricsHandler() http.Handler {
	if s.registry != nil {
		return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
