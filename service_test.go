package rawrcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Keksclan/rawrcache/breaker"
	"github.com/Keksclan/rawrcache/cache"
	rawrconfig "github.com/Keksclan/rawrcache/config"
	"github.com/Keksclan/rawrcache/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordingFactory logs Init and Destroy calls into a shared slice.
type recordingFactory struct {
	*cache.LocalFactory
	name    string
	log     *[]string
	initErr error
	pingErr error
}

func newRecording(name string, log *[]string) *recordingFactory {
	return &recordingFactory{LocalFactory: cache.NewLocalFactory(), name: name, log: log}
}

func (f *recordingFactory) Init(ctx context.Context, r cache.ServerResolver) error {
	*f.log = append(*f.log, "init:"+f.name)
	if f.initErr != nil {
		return f.initErr
	}
	return f.LocalFactory.Init(ctx, r)
}

func (f *recordingFactory) Destroy() error {
	*f.log = append(*f.log, "destroy:"+f.name)
	return f.LocalFactory.Destroy()
}

func (f *recordingFactory) Ping(context.Context) error { return f.pingErr }

func mustService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	s, err := NewService(opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestStartStopOrder(t *testing.T) {
	var log []string
	s := mustService(t,
		WithFactory("a", newRecording("a", &log)),
		WithFactory("b", newRecording("b", &log)),
		WithFactory("c", newRecording("c", &log)),
	)
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(t.Context()); !errors.Is(err, cache.ErrAlreadyInitialized) {
		t.Fatalf("second Start: got %v, want ErrAlreadyInitialized", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	want := []string{"init:a", "init:b", "init:c", "destroy:c", "destroy:b", "destroy:a"}
	if !slices.Equal(log, want) {
		t.Fatalf("got %v, want %v", log, want)
	}
}

func TestStartRollsBack(t *testing.T) {
	var log []string
	errBoom := errors.New("boom")
	bad := newRecording("c", &log)
	bad.initErr = errBoom
	s := mustService(t,
		WithFactory("a", newRecording("a", &log)),
		WithFactory("b", newRecording("b", &log)),
		WithFactory("c", bad),
	)

	err := s.Start(t.Context())
	if !errors.Is(err, errBoom) {
		t.Fatalf("Start: got %v, want boom", err)
	}
	want := []string{"init:a", "init:b", "init:c", "destroy:b", "destroy:a"}
	if !slices.Equal(log, want) {
		t.Fatalf("got %v, want %v", log, want)
	}
	if _, err := s.Store("a", "ns"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Store after failed Start: got %v, want ErrNotStarted", err)
	}
}

func TestNewServiceRejectsDuplicates(t *testing.T) {
	_, err := NewService(
		WithFactory("a", cache.NewLocalFactory()),
		WithFactory("a", cache.NewLocalFactory()),
	)
	var cerr *cache.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want *cache.ConfigError", err)
	}
}

func TestStoreAndHandler(t *testing.T) {
	s := mustService(t, WithFactory("local", cache.NewLocalFactory(cache.WithIndexCount(1))))
	if _, err := s.Store("local", "ns"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Store before Start: got %v, want ErrNotStarted", err)
	}
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	if _, err := s.Store("nope", "ns"); !errors.Is(err, ErrUnknownFactory) {
		t.Fatalf("unknown factory: got %v, want ErrUnknownFactory", err)
	}

	st, err := s.Store("local", "ns")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok := st.(cache.IndexedStore); !ok {
		t.Fatal("indexed factory returned a plain store")
	}

	h, err := s.Handler("local", "ns")
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}
	for range 2 {
		v, err := h.GetOrCompute(t.Context(), "k", compute)
		if err != nil || string(v) != "v" {
			t.Fatalf("GetOrCompute = %q, %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("compute ran %d times, want 1", calls)
	}
	// Stores of one namespace share data.
	if _, ok, _ := st.Get(t.Context(), "k"); !ok {
		t.Fatal("value written by the handler is not visible to the store")
	}
}

func TestDecorators(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))

	s := mustService(t,
		WithFactory("local", cache.NewLocalFactory()),
		WithMetrics(reg),
		WithTracing(&tracing.TracingConfig{TracerProvider: tp}),
	)
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	st, err := s.Store("local", "ns")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	_ = st.Put(t.Context(), "k", []byte("v"))
	_, _, _ = st.Get(t.Context(), "k")

	if n := len(rec.Ended()); n != 2 {
		t.Fatalf("spans = %d, want 2", n)
	}
	if n, err := testutil.GatherAndCount(reg, "rawrcache_store_operations_total"); err != nil || n != 2 {
		t.Fatalf("operation series = %d, %v; want 2", n, err)
	}

	srv := httptest.NewServer(s.MetricsHandler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	var log []string
	down := newRecording("down", &log)
	down.pingErr = errors.New("connection refused")
	s := mustService(t,
		WithFactory("up", newRecording("up", &log)),
		WithFactory("down", down),
		WithFactory("plain", cache.NewLocalFactory()),
	)

	got := s.Health(t.Context())
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	if got["up"] != nil || got["plain"] != nil {
		t.Fatalf("unexpected errors: %v", got)
	}
	if got["down"] == nil {
		t.Fatal("expected down factory to report an error")
	}
}

func TestNewServiceFromConfig(t *testing.T) {
	cfg, err := rawrconfig.Parse("yaml", strings.NewReader(`
factories:
  - name: hot
    type: local
    maxEntries: 100
    indexCount: 1
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s, err := NewServiceFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewServiceFromConfig: %v", err)
	}
	f, ok := s.Factory("hot")
	if !ok || !f.CanUseForLocalCache() {
		t.Fatalf("factory hot = %v, %v", f, ok)
	}
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	st, err := s.Store("hot", "ns")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if is, ok := st.(cache.IndexedStore); !ok || is.IndexCount() != 1 {
		t.Fatal("configured index count not applied")
	}
}

func TestNewServiceFromConfigTiered(t *testing.T) {
	cfg := &rawrconfig.Config{
		Servers:   []rawrconfig.ServerConfig{{Name: "main", Host: "127.0.0.1", Port: 1}},
		Factories: []rawrconfig.FactoryConfig{{Name: "users", Type: rawrconfig.TypeTiered, ServerName: "main"}},
	}
	s, err := NewServiceFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewServiceFromConfig: %v", err)
	}
	f, _ := s.Factory("users")
	if f.LowerLevel() == nil || f.LowerLevel().CanUseForLocalCache() {
		t.Fatal("tiered factory must expose its remote lower level")
	}
}

func TestCircuitBreakerGuardsRemoteFactories(t *testing.T) {
	s := mustService(t,
		WithServer(cache.Server{Name: "down", Host: "127.0.0.1", Port: 1, Timeout: 200 * time.Millisecond}),
		WithFactory("remote", cache.NewRedisFactory("down")),
		WithFactory("local", cache.NewLocalFactory()),
		WithCircuitBreaker(breaker.Config{FailureThreshold: 1, OpenTimeout: time.Minute}),
	)
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	st, err := s.Store("remote", "ns")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	if _, _, err := st.Get(ctx, "k"); !errors.Is(err, cache.ErrTransport) || errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("first Get: got %v, want a plain transport error", err)
	}
	if _, _, err := st.Get(ctx, "k"); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("second Get: got %v, want breaker.ErrOpen", err)
	}

	local, err := s.Store("local", "ns")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := local.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("local Put: %v", err)
	}
}
