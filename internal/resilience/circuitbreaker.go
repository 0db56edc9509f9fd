// Package resilience provides the invocation primitives backends use to cope
// with unreliable upstreams.
//
// [Cascade] runs an ordered list of named strategies and accepts the first
// one that does not fail. [CircuitBreaker] guards a remote service so an
// outage fails fast instead of stacking timeouts.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen matches every [*OpenError].
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned while a breaker rejects calls. RetryAfter is zero
// when the call lost the race for the half-open probe.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter <= 0 {
		return fmt.Sprintf("%s: %v", e.Name, ErrCircuitOpen)
	}
	return fmt.Sprintf("%s: %v, retry in %s", e.Name, ErrCircuitOpen, e.RetryAfter.Round(time.Second))
}

// Is reports ErrCircuitOpen as a match.
func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [CircuitBreaker]. Zero values select the defaults
// noted on each field.
type BreakerConfig struct {
	Name string

	// MaxFailures consecutive counted failures open the breaker. Default 5.
	MaxFailures int

	// Cooldown is how long an open breaker rejects calls before letting a
	// probe through. Default 30s.
	Cooldown time.Duration

	// Probes is the number of consecutive successful probes that close a
	// half-open breaker. Only one probe runs at a time. Default 1.
	Probes int

	// Counts reports whether err says something about the upstream's
	// health. Uncounted errors pass through untouched. Context cancellation
	// is never counted. Default: every error counts.
	Counts func(err error) bool

	// OnTransition is called after every state change, outside the lock.
	OnTransition func(name string, from, to State)

	// Clock replaces time.Now.
	Clock func() time.Time
}

// CircuitBreaker is a closed/open/half-open breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	passed   int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Counts == nil {
		cfg.Counts = func(error) bool { return true }
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Do runs fn unless the breaker rejects the call with an [*OpenError].
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	counted := err != nil && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) && cb.cfg.Counts(err)
	cb.settle(probe, err == nil, counted)
	return err
}

// admit decides whether a call may proceed and whether it is the probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		wait := cb.cfg.Cooldown - cb.cfg.Clock().Sub(cb.openedAt)
		if wait > 0 {
			cb.mu.Unlock()
			return false, &OpenError{Name: cb.cfg.Name, RetryAfter: wait}
		}
		cb.state = StateHalfOpen
		cb.passed = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probing {
			cb.mu.Unlock()
			return false, &OpenError{Name: cb.cfg.Name}
		}
		cb.probing = true
		probe = true
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return probe, nil
}

func (cb *CircuitBreaker) settle(probe, ok, counted bool) {
	cb.mu.Lock()
	from := cb.state
	if probe {
		cb.probing = false
	}
	switch {
	case ok && probe:
		cb.passed++
		if cb.passed >= cb.cfg.Probes {
			cb.state = StateClosed
			cb.failures = 0
		}
	case ok:
		cb.failures = 0
	case counted && probe:
		cb.trip()
	case counted:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// trip opens the breaker. Callers hold mu.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Clock()
	cb.passed = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.cfg.Name, "from", from.String(), "to", to.String())
	if cb.cfg.OnTransition != nil {
		cb.cfg.OnTransition(cb.cfg.Name, from, to)
	}
}

// State reports the current state. An open breaker whose cooldown has
// elapsed reports half-open; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Clock().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.passed = 0
	cb.probing = false
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
