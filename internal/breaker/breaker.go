// Package breaker implements a per-service circuit breaker with a
// process-wide registry. External calls (LLM, embeddings, Redis) are wrapped
// so a dead dependency fails fast instead of stacking timeouts.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Options tunes one breaker.
type Options struct {
	FailureThreshold int           // consecutive failures to open, default 5
	SuccessThreshold int           // consecutive half-open successes to close, default 2
	ResetTimeout     time.Duration // open duration before probing, default 30s

	// IsFailure decides whether an error counts against the breaker. A nil
	// predicate counts every error. Errors that do not count still propagate.
	IsFailure func(error) bool

	// OnStateChange is invoked on every transition, under the breaker lock;
	// it must not call back into the breaker.
	OnStateChange func(service string, to State)
}

// Stats is a snapshot of one breaker's counters.
type Stats struct {
	Service         string    `json:"service"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	TotalCalls      int64     `json:"totalCalls"`
	TotalSuccesses  int64     `json:"totalSuccesses"`
	TotalFailures   int64     `json:"totalFailures"`
	LastSuccessTime time.Time `json:"lastSuccessTime,omitempty"`
	LastFailureTime time.Time `json:"lastFailureTime,omitempty"`
}

// Breaker is a CLOSED/OPEN/HALF_OPEN state machine for one service.
type Breaker struct {
	service string
	opts    Options

	mu             sync.Mutex
	state          State
	failures       int // consecutive failures while CLOSED or HALF_OPEN
	successes      int // consecutive successes while HALF_OPEN
	resetDeadline  time.Time
	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	lastSuccess    time.Time
	lastFailure    time.Time

	now func() time.Time // injectable for tests
}

// New creates a breaker for a named service.
func New(service string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 2
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		service: service,
		opts:    opts,
		state:   StateClosed,
		now:     time.Now,
	}
}

// Execute runs fn under the breaker. While OPEN, fn is not invoked and a
// CircuitBreakerError carrying the reset time is returned. Panics with
// non-error values are wrapped into errors, counted, and re-raised as errors.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := b.runProtected(fn)

	if err != nil && b.opts.IsFailure != nil && !b.opts.IsFailure(err) {
		// Excluded errors propagate without moving the state machine.
		return err
	}
	b.afterCall(err != nil)
	return err
}

// runProtected invokes fn, converting panics into errors so a misbehaving
// dependency cannot take the process down through the breaker.
func (b *Breaker) runProtected(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%s call panicked: %w", b.service, e)
			} else {
				err = fmt.Errorf("%s call panicked with non-error value: %v", b.service, r)
			}
			logging.Get(logging.CategoryBreaker).Error("%v", err)
		}
	}()
	return fn()
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	if b.state == StateOpen {
		if b.now().Before(b.resetDeadline) {
			return &types.CircuitBreakerError{Service: b.service, ResetTime: b.resetDeadline}
		}
		// Deadline passed: this call is the half-open probe.
		b.transition(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) afterCall(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if failed {
		b.totalFailures++
		b.lastFailure = b.now()
		b.failures++
		b.successes = 0

		switch b.state {
		case StateHalfOpen:
			// One failure during the probe re-opens immediately.
			b.open()
		case StateClosed:
			if b.failures >= b.opts.FailureThreshold {
				b.open()
			}
		}
		return
	}

	b.totalSuccesses++
	b.lastSuccess = b.now()
	b.failures = 0

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.opts.SuccessThreshold {
			b.transition(StateClosed)
			b.successes = 0
		}
	}
}

func (b *Breaker) open() {
	b.resetDeadline = b.now().Add(b.opts.ResetTimeout)
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	logging.Breaker("Circuit %s: %s -> %s", b.service, b.state, to)
	b.state = to
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.service, to)
	}
}

// State returns the current state without counting a call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a counter snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Service:         b.service,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		TotalCalls:      b.totalCalls,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		LastSuccessTime: b.lastSuccess,
		LastFailureTime: b.lastFailure,
	}
}

// Reset forces the breaker back to CLOSED and clears consecutive counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.successes = 0
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry hands out one breaker per service name. The root application
// context owns a single registry; components receive it by value.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Options
}

// NewRegistry creates a registry with default options for new breakers.
func NewRegistry(defaults Options) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for a service, creating it on first use. The same
// name always yields the same instance.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := New(service, r.defaults)
	r.breakers[service] = b
	return b
}

// GetWith returns the breaker for a service, creating it with specific
// options on first use. Options are ignored if the breaker already exists.
func (r *Registry) GetWith(service string, opts Options) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := New(service, opts)
	r.breakers[service] = b
	return b
}

// GetAll returns every registered breaker.
func (r *Registry) GetAll() map[string]*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Breaker, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b
	}
	return out
}

// GetAllStats snapshots every breaker's counters.
func (r *Registry) GetAllStats() map[string]Stats {
	out := make(map[string]Stats)
	for name, b := range r.GetAll() {
		out[name] = b.Stats()
	}
	return out
}

// ResetAll forces every breaker back to CLOSED.
func (r *Registry) ResetAll() {
	for _, b := range r.GetAll() {
		b.Reset()
	}
	logging.Breaker("All circuit breakers reset")
}
