// Package tracing provides OpenTelemetry tracing for cache stores. It is
// entirely optional: spans are only created for stores wrapped with [Wrap].
package tracing

import (
	"context"
	"errors"

	"github.com/Keksclan/rawrcache/cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Keksclan/rawrcache/tracing"

// TracingConfig holds the OpenTelemetry configuration used by traced stores.
type TracingConfig struct {
	// TracerProvider supplies the Tracer used to create spans. When nil the
	// global otel.GetTracerProvider() is used.
	TracerProvider trace.TracerProvider

	// RecordKeys adds the cache key as a span attribute. Keys may carry
	// user data, so this is off by default.
	RecordKeys bool
}

// tracer returns a configured [trace.Tracer].
func (c *TracingConfig) tracer() trace.Tracer {
	tp := c.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

// Wrap returns s with a client span around every operation. If cfg is nil s
// is returned unchanged. Indexed stores stay indexed.
func Wrap(s cache.Store, cfg *TracingConfig) cache.Store {
	if cfg == nil {
		return s
	}
	base := &store{next: s, cfg: cfg, tracer: cfg.tracer()}
	if is, ok := s.(cache.IndexedStore); ok {
		return &indexedStore{store: base, next: is}
	}
	return base
}

type store struct {
	next   cache.Store
	cfg    *TracingConfig
	tracer trace.Tracer
}

func (s *store) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "cache."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("cache.namespace", s.next.Namespace()),
		attribute.String("cache.operation", op),
	)
	if s.cfg.RecordKeys && key != "" {
		span.SetAttributes(attribute.String("cache.key", key))
	}
	return ctx, span
}

func (s *store) Namespace() string { return s.next.Namespace() }

func (s *store) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	ctx, span := s.start(ctx, "get", key)
	defer span.End()

	e, ok, err := s.next.Get(ctx, key)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	recordStatus(span, err)
	return e, ok, err
}

func (s *store) Put(ctx context.Context, key string, val []byte, opts ...cache.PutOption) error {
	ctx, span := s.start(ctx, "put", key)
	defer span.End()

	span.SetAttributes(attribute.Int("cache.value_size", len(val)))
	err := s.next.Put(ctx, key, val, opts...)
	recordStatus(span, err)
	return err
}

func (s *store) Remove(ctx context.Context, key string) error {
	ctx, span := s.start(ctx, "remove", key)
	defer span.End()

	err := s.next.Remove(ctx, key)
	recordStatus(span, err)
	return err
}

func (s *store) Clear(ctx context.Context) error {
	ctx, span := s.start(ctx, "clear", "")
	defer span.End()

	err := s.next.Clear(ctx)
	recordStatus(span, err)
	return err
}

type indexedStore struct {
	*store
	next cache.IndexedStore
}

func (s *indexedStore) IndexCount() int { return s.next.IndexCount() }

func (s *indexedStore) GetByIndex(ctx context.Context, slot int, indexKey string) ([]string, error) {
	ctx, span := s.start(ctx, "getByIndex", "")
	defer span.End()

	span.SetAttributes(attribute.Int("cache.index_slot", slot))
	keys, err := s.next.GetByIndex(ctx, slot, indexKey)
	span.SetAttributes(attribute.Int("cache.index_matches", len(keys)))
	recordStatus(span, err)
	return keys, err
}

// recordStatus sets the span status. An index inconsistency is recorded as
// an event rather than a failed operation.
func recordStatus(span trace.Span, err error) {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, cache.ErrIndexInconsistent):
		span.AddEvent("index inconsistent", trace.WithAttributes(attribute.String("error", err.Error())))
		span.SetStatus(codes.Ok, "")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
