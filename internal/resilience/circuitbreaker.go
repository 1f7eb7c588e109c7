// Package resilience guards remote transcription backends.
//
// [CircuitBreaker] stops hammering a backend that keeps failing: after
// MaxFailures consecutive errors it rejects calls for ResetTimeout, then lets
// a few probe calls through before closing again. [Failover] layers ordered
// provider failover on top, one breaker per provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. Any probe
	// failure re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the state name used in logs and the status endpoint.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines. Typically the provider name.
	Name string

	// MaxFailures is the consecutive failure count that opens the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open, and
	// the number of successes needed to close. Default: 3.
	HalfOpenMax int

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time

	// Logger receives state transitions. Nil means slog.Default().
	Logger *slog.Logger

	// OnStateChange, when set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// CircuitBreaker is a three-state breaker around a fallible call.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int // consecutive, closed state only
	openedAt  time.Time
	probes    int // calls admitted while half-open
	successes int // probe successes while half-open
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker rejects the call, in which case it
// returns [ErrCircuitOpen] without calling fn. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err == nil)
	return err
}

// admit decides whether a call may proceed and reports whether it counts as
// a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		changed = cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe, ok bool) {
	cb.mu.Lock()
	var changed func()
	switch {
	case probe && cb.state != StateHalfOpen:
		// Another probe already decided the outcome.
	case probe && !ok:
		changed = cb.transition(StateOpen)
	case probe:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			changed = cb.transition(StateClosed)
		}
	case ok:
		cb.failures = 0
	default:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			changed = cb.transition(StateOpen)
		}
	}
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// transition switches state, resets the counters of the new state and
// returns the notification to run once the lock is released. Must be called
// with cb.mu held.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	cb.probes, cb.successes = 0, 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
		cb.cfg.Logger.Warn("resilience: circuit opened",
			"name", cb.cfg.Name, "from", from.String(), "consecutive_failures", cb.failures)
	case StateHalfOpen:
		cb.cfg.Logger.Info("resilience: circuit half-open", "name", cb.cfg.Name)
	case StateClosed:
		cb.failures = 0
		cb.cfg.Logger.Info("resilience: circuit closed", "name", cb.cfg.Name, "from", from.String())
	}
	if cb.cfg.OnStateChange == nil || from == to {
		return nil
	}
	name, fn := cb.cfg.Name, cb.cfg.OnStateChange
	return func() { fn(name, from, to) }
}

// State returns the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the actual switch happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.transition(StateClosed)
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}
