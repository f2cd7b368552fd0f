package cache

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Defaults applied by every factory.
const (
	DefaultMaxEntries  = 10_000
	DefaultRepairRate  = 100
	DefaultRepairBurst = 100
)

// FactoryOption configures a factory.
type FactoryOption func(*factoryConfig)

// factoryConfig holds the settings shared by all factory kinds; each kind
// reads the fields relevant to it.
type factoryConfig struct {
	ttl          time.Duration
	localTTL     time.Duration
	indexCount   int
	keyPrefix    string
	poolSize     int
	minIdleConns int
	pingOnInit   bool
	maxEntries   int64
	repairRate   float64
	repairBurst  int
	logger       *slog.Logger
}

func newFactoryConfig(opts []FactoryOption) factoryConfig {
	cfg := factoryConfig{
		keyPrefix:   DefaultKeyPrefix,
		maxEntries:  DefaultMaxEntries,
		repairRate:  DefaultRepairRate,
		repairBurst: DefaultRepairBurst,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.indexCount < 0 {
		cfg.indexCount = 0
	}
	return cfg
}

// WithTimeToLive sets the default entry time-to-live. A value <= 0 means
// entries never expire.
func WithTimeToLive(ttl time.Duration) FactoryOption {
	return func(c *factoryConfig) { c.ttl = ttl }
}

// WithIndexCount sets the number of index slots. Zero disables indexing.
func WithIndexCount(n int) FactoryOption {
	return func(c *factoryConfig) { c.indexCount = n }
}

// WithKeyPrefix overrides DefaultKeyPrefix for remote keys.
func WithKeyPrefix(prefix string) FactoryOption {
	return func(c *factoryConfig) { c.keyPrefix = prefix }
}

// WithPoolSize sets the remote connection pool size.
func WithPoolSize(n int) FactoryOption {
	return func(c *factoryConfig) { c.poolSize = n }
}

// WithMinIdleConns sets the number of idle connections kept open.
func WithMinIdleConns(n int) FactoryOption {
	return func(c *factoryConfig) { c.minIdleConns = n }
}

// WithPingOnInit makes Init fail when the remote engine does not answer.
func WithPingOnInit() FactoryOption {
	return func(c *factoryConfig) { c.pingOnInit = true }
}

// WithMaxEntries bounds each in-process namespace cache.
func WithMaxEntries(n int64) FactoryOption {
	return func(c *factoryConfig) { c.maxEntries = n }
}

// WithLocalTimeToLive caps how long a tiered factory keeps entries in its
// in-process tier.
func WithLocalTimeToLive(ttl time.Duration) FactoryOption {
	return func(c *factoryConfig) { c.localTTL = ttl }
}

// WithRepairRate paces the removal of stale index members found by
// GetByIndex. A rate <= 0 disables repair.
func WithRepairRate(perSecond float64, burst int) FactoryOption {
	return func(c *factoryConfig) {
		c.repairRate = perSecond
		c.repairBurst = burst
	}
}

// WithLogger sets the logger used by the factory and its stores.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(c *factoryConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

const (
	stateNew int32 = iota
	stateActive
	stateDestroyed
)

// lifecycle tracks the init/destroy transitions of a factory.
type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) canInit() error {
	switch l.state.Load() {
	case stateActive:
		return ErrAlreadyInitialized
	case stateDestroyed:
		return ErrDestroyed
	}
	return nil
}

func (l *lifecycle) activate() { l.state.Store(stateActive) }

// destroy marks the factory destroyed and reports whether it was active.
func (l *lifecycle) destroy() bool {
	return l.state.Swap(stateDestroyed) == stateActive
}

func (l *lifecycle) check() error {
	switch l.state.Load() {
	case stateNew:
		return ErrNotInitialized
	case stateDestroyed:
		return ErrDestroyed
	}
	return nil
}
