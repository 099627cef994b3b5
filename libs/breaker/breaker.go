// Package breaker implements a per-process circuit breaker guarding
// calls to a handler. State is process-local: the design tolerates
// partial-open clusters because the reaper and retry layers handle
// temporary imbalances, as called out for the worker's per-handler
// breakers.
package breaker

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned by Allow when the breaker is rejecting calls.
var ErrOpen = errors.New("breaker: circuit is open")

// Config controls the failure/recovery thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures to trip CLOSED -> OPEN
	OpenTimeout      time.Duration // time in OPEN before probing HALF_OPEN
}

// DefaultConfig returns the production defaults: 5 consecutive
// failures, 30s open timeout.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker is a CLOSED/OPEN/HALF_OPEN state machine for one (process,
// handler) pair. Safe for concurrent use.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	fails  int
	openAt time.Time
}

// New creates a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed, advancing OPEN -> HALF_OPEN
// when the open timeout has elapsed. Returns ErrOpen if the call
// should be rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if time.Since(b.openAt) > b.cfg.OpenTimeout {
			b.state = HalfOpen
		} else {
			return ErrOpen
		}
	}
	return nil
}

// Success records a successful call. In CLOSED it resets the failure
// counter; in HALF_OPEN a single success closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.fails = 0
	case Closed:
		b.fails = 0
	}
}

// Failure records a failed call. In HALF_OPEN a single failure reopens
// the breaker; in CLOSED, failures accumulate until FailureThreshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openAt = time.Now()
		b.fails = 0
	case Closed:
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.state = Open
			b.openAt = time.Now()
			b.fails = 0
		}
	}
}

// State returns the current state, for metrics and diagnostics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one Breaker per handler name, created on first use.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry that lazily constructs a Breaker per
// handler with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the Breaker for handler, creating it on first access.
func (r *Registry) For(handler string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[handler]
	if !ok {
		b = New(r.cfg)
		r.breakers[handler] = b
	}
	return b
}

// States returns a snapshot of every known handler's current state,
// keyed by handler name, for health checks and dashboards.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	handlers := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for h, b := range r.breakers {
		handlers = append(handlers, h)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]string, len(handlers))
	for i, h := range handlers {
		out[h] = strings.ToLower(string(breakers[i].State()))
	}
	return out
}
