// Package circuit provides the per-provider circuit breaker guarding upstream generation calls.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"storyforge/pkg/logx"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing service failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Testing if service recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// DefaultHalfOpenRequests is used when Config.HalfOpenRequests is zero.
const DefaultHalfOpenRequests = 3

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"`  // Consecutive failures in Closed before opening
	ResetTimeout     time.Duration `json:"reset_timeout"`      // How long Open rejects before a trial is allowed
	MonitoringPeriod time.Duration `json:"monitoring_period"`  // Reporting window, not enforced here
	HalfOpenRequests int           `json:"half_open_requests"` // Trial successes needed to close
}

// DefaultConfig mirrors the service defaults: 3 failures, 60s reset, 5m monitoring window.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 3,
	ResetTimeout:     60 * time.Second,
	MonitoringPeriod: 5 * time.Minute,
	HalfOpenRequests: DefaultHalfOpenRequests,
}

// Validate rejects non-positive thresholds and windows.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %s", c.ResetTimeout)
	}
	if c.MonitoringPeriod <= 0 {
		return fmt.Errorf("monitoring period must be positive, got %s", c.MonitoringPeriod)
	}
	if c.HalfOpenRequests < 0 {
		return fmt.Errorf("half-open requests must not be negative, got %d", c.HalfOpenRequests)
	}
	return nil
}

// ErrOpen is matched by every rejection the breaker produces.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned by Execute when the call was rejected without running.
type OpenError struct {
	Name        string
	State       State
	NextAttempt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s", e.Name, e.State)
}

// Is makes errors.Is(err, ErrOpen) true for rejections.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// recordedError marks an operation error whose failure Execute has already counted.
type recordedError struct {
	breaker *Breaker
	err     error
}

func (e *recordedError) Error() string { return e.err.Error() }

func (e *recordedError) Unwrap() error { return e.err }

// Snapshot is a point-in-time copy of the breaker's state.
type Snapshot struct {
	Name              string
	State             State
	FailureCount      int
	SuccessCount      int
	HalfOpenSuccesses int
	HalfOpenInFlight  int
	LastFailure       time.Time
	NextAttempt       time.Time
	MonitoringPeriod  time.Duration
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChangeHook registers a callback invoked after every transition. It runs while
// the breaker lock is held and must not call back into the breaker.
func WithStateChangeHook(hook func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = hook }
}

// Breaker is a three-state circuit breaker. All methods are safe for concurrent use; each
// breaker has its own lock.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	name          string
	config        Config
	now           func() time.Time
	onStateChange func(name string, from, to State)
	logger        *logx.Logger

	mu                sync.Mutex
	state             State
	failureCount      int
	successCount      int
	halfOpenSuccesses int
	halfOpenInFlight  int
	lastFailureTime   time.Time
	nextAttemptTime   time.Time
	window            uint64 // bumped on every state change and Reset
}

// ticket identifies the state a call was admitted under.
type ticket struct {
	window uint64
	trial  bool
}

// New creates a breaker in the Closed state. A zero HalfOpenRequests means DefaultHalfOpenRequests.
func New(name string, config Config, opts ...Option) *Breaker {
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = DefaultHalfOpenRequests
	}
	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		logger: logx.NewLogger("circuit/" + name),
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the name the breaker was created with.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.config
}

// Execute runs op unless the breaker rejects it, then records the outcome.
//
// While Open and before the reset timeout has elapsed, op is never invoked and an *OpenError is
// returned. The first call after the timeout moves the breaker to HalfOpen and runs as a trial;
// at most HalfOpenRequests trials may be in flight at once. A call that completes after the
// breaker changed state counts only if it failed. A failure returned by op comes back wrapped so
// that ObserveFailure recognises it as already counted; errors.Is/As still reach it.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) (err error) {
	t, rejection := b.admit()
	if rejection != nil {
		return rejection
	}

	completed := false
	defer func() {
		if !completed {
			// op panicked: count it, release the trial slot, keep panicking.
			b.complete(t, false)
		}
	}()

	opErr := op(ctx)
	completed = true
	b.complete(t, opErr == nil)

	if opErr != nil {
		return &recordedError{breaker: b, err: opErr}
	}
	return nil
}

// admit applies the admission rule and reserves a half-open slot when needed.
func (b *Breaker) admit() (ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Before(b.nextAttemptTime) {
			return ticket{}, &OpenError{Name: b.name, State: Open, NextAttempt: b.nextAttemptTime}
		}
		b.transition(HalfOpen)
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 1
		return ticket{window: b.window, trial: true}, nil

	case HalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenRequests {
			return ticket{}, &OpenError{Name: b.name, State: HalfOpen, NextAttempt: b.nextAttemptTime}
		}
		b.halfOpenInFlight++
		return ticket{window: b.window, trial: true}, nil

	default:
		return ticket{window: b.window}, nil
	}
}

func (b *Breaker) complete(t ticket, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.window != b.window {
		// Admitted under an earlier state: the trial slot it held is gone.
		if !success {
			b.onFailure()
		}
		return
	}
	if t.trial && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// RecordSuccess records a successful call made outside Execute.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSuccess()
}

// RecordFailure records a failed call made outside Execute.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure()
}

// ObserveFailure records err as a failure unless it is nil, a breaker rejection, or an error
// this breaker's Execute already counted. Callers can therefore report every failed attempt
// without double counting.
func (b *Breaker) ObserveFailure(err error) {
	if err == nil || errors.Is(err, ErrOpen) {
		return
	}
	var rec *recordedError
	if errors.As(err, &rec) && rec.breaker == b {
		return
	}
	b.RecordFailure()
}

// IsOpen is true only while Open and the reset timeout has not elapsed.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open && b.now().Before(b.nextAttemptTime)
}

// State returns the current mode.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current failure counter.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Snapshot returns a copy of every counter and timestamp.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:              b.name,
		State:             b.state,
		FailureCount:      b.failureCount,
		SuccessCount:      b.successCount,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		HalfOpenInFlight:  b.halfOpenInFlight,
		LastFailure:       b.lastFailureTime,
		NextAttempt:       b.nextAttemptTime,
		MonitoringPeriod:  b.config.MonitoringPeriod,
	}
}

// Reset forces Closed with all counters zeroed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(Closed)
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
	b.nextAttemptTime = time.Time{}
	b.window++
}

// onSuccess handles a successful request. Caller holds mu.
func (b *Breaker) onSuccess() {
	switch b.state {
	case Closed:
		// Failures are forgiven only after sustained success.
		b.successCount++
		if b.successCount > b.config.FailureThreshold {
			b.failureCount = 0
			b.successCount = 0
		}

	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenRequests {
			b.transition(Closed)
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 0
			b.nextAttemptTime = time.Time{}
		}

	case Open:
		// Late result from a call admitted before the breaker opened.
	}
}

// onFailure handles a failed request. Caller holds mu.
func (b *Breaker) onFailure() {
	now := b.now()
	b.failureCount++
	b.lastFailureTime = now

	switch b.state {
	case Closed:
		b.successCount = 0
		if b.failureCount >= b.config.FailureThreshold {
			b.trip(now)
		}

	case HalfOpen:
		b.trip(now)

	case Open:
		b.nextAttemptTime = now.Add(b.config.ResetTimeout)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.transition(Open)
	b.successCount = 0
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
	b.nextAttemptTime = now.Add(b.config.ResetTimeout)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.window++
	switch to {
	case Open:
		b.logger.Warn("breaker %s -> %s after %d failures", from, to, b.failureCount)
	default:
		b.logger.Info("breaker %s -> %s", from, to)
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
