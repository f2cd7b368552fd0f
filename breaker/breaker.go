// Package breaker stops calling a remote cache backend that keeps failing.
//
// A wrapped store counts consecutive transport failures. Once the threshold
// is reached the breaker opens and every operation fails immediately with an
// error matching cache.ErrTransport until OpenTimeout has passed. Then a
// limited number of probe operations go through: if they succeed the breaker
// closes, any transport failure reopens it.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/Keksclan/rawrcache/cache"
)

// ErrOpen is the cause of operations rejected by an open breaker.
var ErrOpen = errors.New("circuit breaker open")

// State represents the current circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Defaults used for zero Config fields.
const (
	DefaultFailureThreshold   = 5
	DefaultOpenTimeout        = 5 * time.Second
	DefaultHalfOpenMaxSuccess = 1
)

// Config holds the circuit breaker parameters.
type Config struct {
	// FailureThreshold is the number of consecutive transport failures in
	// Closed state before the breaker trips to Open.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays Open before transitioning
	// to HalfOpen.
	OpenTimeout time.Duration

	// HalfOpenMaxSuccess is the number of consecutive successes required in
	// HalfOpen state to close the breaker again.
	HalfOpenMaxSuccess int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.HalfOpenMaxSuccess <= 0 {
		c.HalfOpenMaxSuccess = DefaultHalfOpenMaxSuccess
	}
	return c
}

// Breaker is the state machine shared by every store wrapped with it. All
// methods are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state     State
	failures  int // consecutive failures in Closed
	successes int // consecutive successes in HalfOpen
	openedAt  time.Time
	nowFunc   func() time.Time
}

// New creates a Breaker. Zero Config fields take the defaults.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:     cfg.withDefaults(),
		state:   Closed,
		nowFunc: time.Now,
	}
}

// State returns the current state. An Open breaker whose timeout elapsed
// reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOpenTimeout()
	return b.state
}

// Allow reports whether an operation may reach the backend.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkOpenTimeout()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return b.successes < b.cfg.HalfOpenMaxSuccess
	default:
		return false
	}
}

// Record classifies the outcome of an allowed operation. Transport failures
// count against the backend. A partial index failure still means the
// backend answered. Other errors, such as use after destroy or a caller
// giving up on its context, say nothing about the backend and are ignored.
func (b *Breaker) Record(err error) {
	switch {
	case err == nil, errors.Is(err, cache.ErrIndexInconsistent):
		b.onSuccess()
	case errors.Is(err, cache.ErrTransport):
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMaxSuccess {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.toOpen()
		}
	case HalfOpen:
		b.toOpen()
	}
}

// checkOpenTimeout must be called with b.mu held.
func (b *Breaker) checkOpenTimeout() {
	if b.state == Open && b.nowFunc().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = HalfOpen
		b.successes = 0
	}
}

func (b *Breaker) toOpen() {
	b.state = Open
	b.openedAt = b.nowFunc()
	b.successes = 0
}
