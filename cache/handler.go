package cache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Handler is the read-through facade over one Store. Concurrent
// GetOrCompute calls for the same key share a single computation.
type Handler struct {
	store          Store
	logger         *slog.Logger
	computeOnError bool

	group singleflight.Group
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithComputeOnError makes GetOrCompute fall back to the compute function
// when the store cannot be reached. The computed value is returned without
// being written through. Lifecycle errors such as ErrDestroyed are always
// returned.
func WithComputeOnError() HandlerOption {
	return func(h *Handler) { h.computeOnError = true }
}

// NewHandler wraps s. It fails with ErrNilStore when s is nil.
func NewHandler(s Store, opts ...HandlerOption) (*Handler, error) {
	if s == nil {
		return nil, ErrNilStore
	}
	h := &Handler{store: s, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Store returns the wrapped store.
func (h *Handler) Store() Store { return h.store }

// Get returns the cached value for key. The boolean reports a hit.
func (h *Handler) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok, err := h.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return e.Value, true, nil
}

// GetOrCompute returns the cached value for key. On a miss it calls compute
// once per key across concurrent callers, writes the result through the
// store with opts, and returns it.
func (h *Handler) GetOrCompute(ctx context.Context, key string, compute func(context.Context) ([]byte, error), opts ...PutOption) ([]byte, error) {
	v, ok, err := h.Get(ctx, key)
	if err != nil {
		if !h.computeOnError || !errors.Is(err, ErrTransport) {
			return nil, err
		}
		h.logger.Warn("cache read failed, computing without write-through",
			slog.String("namespace", h.store.Namespace()),
			slog.String("key", key),
			slog.Any("error", err),
		)
		return compute(ctx)
	}
	if ok {
		return v, nil
	}

	res, err, _ := h.group.Do(key, func() (any, error) {
		// A flight that finished between our miss and this call has
		// already written the value.
		if v, ok, err := h.Get(ctx, key); err == nil && ok {
			return v, nil
		}
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := h.store.Put(ctx, key, val, opts...); err != nil {
			if !errors.Is(err, ErrIndexInconsistent) {
				return nil, err
			}
			// The primary entry was written; the index converges on the
			// next successful write.
			h.logger.Warn("cache write-through left index inconsistent",
				slog.String("namespace", h.store.Namespace()),
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(res.([]byte)), nil
}

// Invalidate removes key from the store.
func (h *Handler) Invalidate(ctx context.Context, key string) error {
	return h.store.Remove(ctx, key)
}
