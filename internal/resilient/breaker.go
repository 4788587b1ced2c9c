package resilient

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without attempting the call while the breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerOptions tune a single Breaker.
type BreakerOptions struct {
	// FailureThreshold opens the circuit once this many failures land
	// inside MonitorWindow.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before one trial
	// call is allowed through.
	ResetTimeout time.Duration
	// MonitorWindow is the rolling window failures are counted over.
	MonitorWindow time.Duration
}

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
	defaultMonitorWindow    = time.Minute
)

// Breaker is a rolling-window circuit breaker. Failures older than the
// monitor window are pruned before the threshold check, so a long-lived low
// failure rate never trips it.
type Breaker struct {
	mu            sync.Mutex
	opts          BreakerOptions
	state         State
	trialing      bool
	failures      []time.Time
	lastFailureAt time.Time
	now           func() time.Time
}

func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.ResetTimeout == 0 {
		opts.ResetTimeout = defaultResetTimeout
	}
	if opts.MonitorWindow == 0 {
		opts.MonitorWindow = defaultMonitorWindow
	}
	return &Breaker{opts: opts, state: StateClosed, now: time.Now}
}

// Execute runs fn unless the circuit is open. While open it fails fast with
// ErrCircuitOpen until the reset timeout elapses, after which exactly one
// trial call is admitted: success closes the circuit, failure re-opens it.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureAt) <= b.opts.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.trialing = true
	case StateHalfOpen:
		// One trial call at a time; everyone else fails fast until it
		// resolves.
		if b.trialing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trialing = true
	}
	b.mu.Unlock()

	err := fn()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.trialing = false
		b.failures = nil
	case StateClosed:
		b.prune()
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = b.now()
	b.failures = append(b.failures, b.lastFailureAt)
	b.prune()

	if b.state == StateHalfOpen || len(b.failures) >= b.opts.FailureThreshold {
		b.state = StateOpen
		b.trialing = false
	}
}

// prune drops failures outside the rolling window. Callers hold b.mu.
func (b *Breaker) prune() {
	cutoff := b.now().Add(-b.opts.MonitorWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// State reports the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
