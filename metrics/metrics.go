// Package metrics instruments cache stores with Prometheus counters and
// latency histograms.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/Keksclan/rawrcache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultHit          = "hit"
	ResultMiss         = "miss"
	ResultOK           = "ok"
	ResultError        = "error"
	ResultInconsistent = "inconsistent"
)

// Collector owns the cache metrics. Register it once and wrap every store
// that should be observed.
type Collector struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rawrcache",
			Name:      "store_operations_total",
			Help:      "Cache store operations by namespace, operation and result.",
		}, []string{"namespace", "op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rawrcache",
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of cache store operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
	}
	for _, m := range []prometheus.Collector{c.ops, c.duration} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Wrap returns s instrumented with c. Indexed stores stay indexed.
func (c *Collector) Wrap(s cache.Store) cache.Store {
	base := &store{next: s, c: c}
	if is, ok := s.(cache.IndexedStore); ok {
		return &indexedStore{store: base, next: is}
	}
	return base
}

func (c *Collector) observe(namespace, op string, start time.Time, result string) {
	c.ops.WithLabelValues(namespace, op, result).Inc()
	c.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func writeResult(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, cache.ErrIndexInconsistent):
		return ResultInconsistent
	default:
		return ResultError
	}
}

type store struct {
	next cache.Store
	c    *Collector
}

func (s *store) Namespace() string { return s.next.Namespace() }

func (s *store) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	start := time.Now()
	e, ok, err := s.next.Get(ctx, key)
	result := ResultMiss
	switch {
	case err != nil:
		result = ResultError
	case ok:
		result = ResultHit
	}
	s.c.observe(s.Namespace(), "get", start, result)
	return e, ok, err
}

func (s *store) Put(ctx context.Context, key string, val []byte, opts ...cache.PutOption) error {
	start := time.Now()
	err := s.next.Put(ctx, key, val, opts...)
	s.c.observe(s.Namespace(), "put", start, writeResult(err))
	return err
}

func (s *store) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := s.next.Remove(ctx, key)
	s.c.observe(s.Namespace(), "remove", start, writeResult(err))
	return err
}

func (s *store) Clear(ctx context.Context) error {
	start := time.Now()
	err := s.next.Clear(ctx)
	s.c.observe(s.Namespace(), "clear", start, writeResult(err))
	return err
}

type indexedStore struct {
	*store
	next cache.IndexedStore
}

func (s *indexedStore) IndexCount() int { return s.next.IndexCount() }

func (s *indexedStore) GetByIndex(ctx context.Context, slot int, indexKey string) ([]string, error) {
	start := time.Now()
	keys, err := s.next.GetByIndex(ctx, slot, indexKey)
	result := ResultHit
	switch {
	case err != nil:
		result = ResultError
	case len(keys) == 0:
		result = ResultMiss
	}
	s.c.observe(s.Namespace(), "getByIndex", start, result)
	return keys, err
}
