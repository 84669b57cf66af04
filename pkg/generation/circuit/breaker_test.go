package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(threshold int) Config {
	return Config{
		FailureThreshold: threshold,
		ResetTimeout:     time.Minute,
		MonitoringPeriod: 5 * time.Minute,
		HalfOpenRequests: 3,
	}
}

var errBoom = errors.New("boom")

func failing(_ context.Context) error { return errBoom }
func succeeding(_ context.Context) error { return nil }

func TestThresholdInvariant(t *testing.T) {
	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("threshold=%d", n), func(t *testing.T) {
			b := New("p", testConfig(n), WithClock(newFakeClock().Now))

			for i := 0; i < n-1; i++ {
				b.RecordFailure()
			}
			if b.State() != Closed {
				t.Fatalf("after %d failures expected CLOSED, got %s", n-1, b.State())
			}

			b.RecordFailure()
			if b.State() != Open {
				t.Fatalf("after %d failures expected OPEN, got %s", n, b.State())
			}
			if !b.IsOpen() {
				t.Error("IsOpen should be true right after tripping")
			}
		})
	}
}

func TestCooldownNeverInvokesOperation(t *testing.T) {
	clock := newFakeClock()
	b := New("p", testConfig(2), WithClock(clock.Now))
	b.RecordFailure()
	b.RecordFailure()

	var calls int32
	op := func(_ context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	for i := 0; i < 10; i++ {
		clock.Advance(5 * time.Second) // 50s total, still inside the 60s window
		err := b.Execute(context.Background(), op)
		if !errors.Is(err, ErrOpen) {
			t.Fatalf("call %d: expected ErrOpen, got %v", i, err)
		}
		var openErr *OpenError
		if !errors.As(err, &openErr) || openErr.State != Open || openErr.Name != "p" {
			t.Fatalf("call %d: expected *OpenError for p in OPEN, got %#v", i, err)
		}
	}

	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("operation invoked %d times while open", got)
	}
	if b.FailureCount() != 2 {
		t.Errorf("rejections must not count as failures, got %d", b.FailureCount())
	}
}

func TestRecoveryClosesAfterHalfOpenSuccesses(t *testing.T) {
	clock := newFakeClock()
	b := New("p", testConfig(3), WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)

	if b.IsOpen() {
		t.Fatal("IsOpen must be false once the reset timeout has elapsed")
	}
	if b.State() != Open {
		t.Fatalf("state must stay OPEN until the next call, got %s", b.State())
	}

	var stateDuringFirstCall State
	err := b.Execute(context.Background(), func(_ context.Context) error {
		stateDuringFirstCall = b.State()
		return nil
	})
	if err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if stateDuringFirstCall != HalfOpen {
		t.Fatalf("first call after timeout must run in HALF_OPEN, got %s", stateDuringFirstCall)
	}

	for i := 0; i < 2; i++ {
		if b.State() != HalfOpen {
			t.Fatalf("expected HALF_OPEN before success %d, got %s", i+2, b.State())
		}
		if err := b.Execute(context.Background(), succeeding); err != nil {
			t.Fatalf("trial call failed: %v", err)
		}
	}

	if b.State() != Closed {
		t.Fatalf("expected CLOSED after 3 half-open successes, got %s", b.State())
	}
	if b.FailureCount() != 0 {
		t.Errorf("expected failure count reset to 0, got %d", b.FailureCount())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("p", testConfig(1), WithClock(clock.Now))
	b.RecordFailure()
	clock.Advance(time.Minute)

	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}

	err := b.Execute(context.Background(), failing)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected operation error to propagate, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN after half-open failure, got %s", b.State())
	}

	snap := b.Snapshot()
	if !snap.NextAttempt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("next attempt must be reset to now+timeout, got %s", snap.NextAttempt)
	}
	if !b.IsOpen() {
		t.Error("expected breaker to reject again")
	}
}

func TestHalfOpenLimitsConcurrentTrials(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(1)
	cfg.HalfOpenRequests = 2
	b := New("p", cfg, WithClock(clock.Now))
	b.RecordFailure()
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(_ context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	err := b.Execute(context.Background(), succeeding)
	var openErr *OpenError
	if !errors.As(err, &openErr) || openErr.State != HalfOpen {
		t.Fatalf("expected half-open rejection while trials are in flight, got %v", err)
	}

	close(release)
	wg.Wait()

	if b.State() != Closed {
		t.Fatalf("expected CLOSED after 2 trial successes, got %s", b.State())
	}
}

func TestStaleTrialsDoNotCountInLaterWindow(t *testing.T) {
	clock := newFakeClock()
	b := New("p", testConfig(3), WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)

	releaseStale := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(_ context.Context) error {
				started <- struct{}{}
				<-releaseStale
				return nil
			})
		}()
	}
	<-started
	<-started

	if err := b.Execute(context.Background(), failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected trial failure, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN after a failed trial, got %s", b.State())
	}

	clock.Advance(time.Minute)
	releaseFresh := make(chan struct{})
	freshStarted := make(chan struct{})
	freshDone := make(chan error, 1)
	go func() {
		freshDone <- b.Execute(context.Background(), func(_ context.Context) error {
			close(freshStarted)
			<-releaseFresh
			return nil
		})
	}()
	<-freshStarted

	close(releaseStale)
	wg.Wait()

	snap := b.Snapshot()
	if snap.State != HalfOpen || snap.HalfOpenSuccesses != 0 || snap.HalfOpenInFlight != 1 {
		t.Fatalf("earlier trials leaked into the new window: %+v", snap)
	}

	close(releaseFresh)
	if err := <-freshDone; err != nil {
		t.Fatalf("trial failed: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("one trial success out of 3 must not close the breaker, got %s", b.State())
	}
	if got := b.Snapshot().HalfOpenSuccesses; got != 1 {
		t.Errorf("expected 1 half-open success, got %d", got)
	}
}

func TestCallAdmittedWhileClosedIsNotATrial(t *testing.T) {
	clock := newFakeClock()
	b := New("p", testConfig(1), WithClock(clock.Now))

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(_ context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	b.RecordFailure()
	clock.Advance(time.Minute)
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("trial failed: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := b.Snapshot()
	if snap.State != HalfOpen || snap.HalfOpenSuccesses != 1 {
		t.Fatalf("expected HALF_OPEN with a single trial success, got %+v", snap)
	}
}

func TestStaleFailureStillTrips(t *testing.T) {
	clock := newFakeClock()
	b := New("p", testConfig(1), WithClock(clock.Now))

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(_ context.Context) error {
			close(started)
			<-release
			return errBoom
		})
	}()
	<-started

	b.RecordFailure()
	clock.Advance(time.Minute)
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("trial failed: %v", err)
	}

	close(release)
	if err := <-done; !errors.Is(err, errBoom) {
		t.Fatalf("expected operation error, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("a late failure during HALF_OPEN must reopen, got %s", b.State())
	}
}

func TestClosedSuccessDoesNotResetImmediately(t *testing.T) {
	b := New("p", testConfig(3), WithClock(newFakeClock().Now))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if b.FailureCount() != 2 {
		t.Fatalf("a single success must not clear failures, got %d", b.FailureCount())
	}

	for i := 0; i < 3; i++ {
		b.RecordSuccess()
	}
	if b.FailureCount() != 0 {
		t.Fatalf("failures must clear once successes exceed the threshold, got %d", b.FailureCount())
	}
}

func TestFailFailSuccessStaysClosed(t *testing.T) {
	b := New("p", testConfig(3), WithClock(newFakeClock().Now))

	results := []error{errBoom, errBoom, nil}
	var calls int
	for i, want := range results {
		err := b.Execute(context.Background(), func(_ context.Context) error {
			calls++
			return want
		})
		if !errors.Is(err, want) {
			t.Fatalf("run %d: unexpected result %v", i+1, err)
		}
	}

	if calls != 3 {
		t.Fatalf("expected the third run to reach the operation, got %d calls", calls)
	}
	if b.State() != Closed {
		t.Errorf("expected CLOSED, got %s", b.State())
	}
}

func TestObserveFailureIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	b := New("p", testConfig(5), WithClock(clock.Now))

	err := b.Execute(context.Background(), failing)
	b.ObserveFailure(err)
	b.ObserveFailure(fmt.Errorf("adapter: %w", err))
	if b.FailureCount() != 1 {
		t.Fatalf("expected exactly one failure, got %d", b.FailureCount())
	}

	b.ObserveFailure(errors.New("failure outside execute"))
	if b.FailureCount() != 2 {
		t.Fatalf("foreign errors must be counted, got %d", b.FailureCount())
	}

	b.ObserveFailure(nil)
	b.ObserveFailure(&OpenError{Name: "p", State: Open})
	if b.FailureCount() != 2 {
		t.Fatalf("nil and rejections must not be counted, got %d", b.FailureCount())
	}

	other := New("q", testConfig(5), WithClock(clock.Now))
	otherErr := other.Execute(context.Background(), failing)
	b.ObserveFailure(otherErr)
	if b.FailureCount() != 3 {
		t.Fatalf("errors recorded by another breaker still count here, got %d", b.FailureCount())
	}
}

func TestExecutePreservesErrorChain(t *testing.T) {
	b := New("p", testConfig(5))
	target := &customErr{code: 42}

	err := b.Execute(context.Background(), func(_ context.Context) error {
		return fmt.Errorf("wrapped: %w", target)
	})

	var got *customErr
	if !errors.As(err, &got) || got.code != 42 {
		t.Fatalf("expected errors.As to reach the operation error, got %v", err)
	}
	if err.Error() != "wrapped: custom 42" {
		t.Errorf("expected message unchanged, got %q", err.Error())
	}
}

type customErr struct{ code int }

func (e *customErr) Error() string { return fmt.Sprintf("custom %d", e.code) }

func TestExecutePanicCountsAsFailure(t *testing.T) {
	b := New("p", testConfig(5))

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = b.Execute(context.Background(), func(_ context.Context) error {
			panic("provider exploded")
		})
	}()

	if b.FailureCount() != 1 {
		t.Errorf("expected panic to be recorded as a failure, got %d", b.FailureCount())
	}
}

func TestResetAndStateHook(t *testing.T) {
	var transitions []string
	b := New("p", testConfig(1),
		WithClock(newFakeClock().Now),
		WithStateChangeHook(func(name string, from, to State) {
			transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
		}),
	)

	b.RecordFailure()
	b.Reset()

	if b.State() != Closed || b.FailureCount() != 0 {
		t.Fatalf("expected CLOSED with zero failures, got %s/%d", b.State(), b.FailureCount())
	}
	want := []string{"p:CLOSED->OPEN", "p:OPEN->CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig.Validate(); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}
	bad := []Config{
		{FailureThreshold: 0, ResetTimeout: time.Second, MonitoringPeriod: time.Second},
		{FailureThreshold: 1, ResetTimeout: 0, MonitoringPeriod: time.Second},
		{FailureThreshold: 1, ResetTimeout: time.Second, MonitoringPeriod: 0},
		{FailureThreshold: 1, ResetTimeout: time.Second, MonitoringPeriod: time.Second, HalfOpenRequests: -1},
	}
	for i, c := range bad {
		if c.Validate() == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestDefaultHalfOpenRequests(t *testing.T) {
	b := New("p", Config{FailureThreshold: 1, ResetTimeout: time.Second, MonitoringPeriod: time.Second})
	if b.Config().HalfOpenRequests != DefaultHalfOpenRequests {
		t.Errorf("expected default of %d, got %d", DefaultHalfOpenRequests, b.Config().HalfOpenRequests)
	}
}

func TestConcurrentUse(t *testing.T) {
	b := New("p", Config{FailureThreshold: 1000, ResetTimeout: time.Second, MonitoringPeriod: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Execute(context.Background(), failing)
			} else {
				_ = b.Execute(context.Background(), succeeding)
			}
			_ = b.Snapshot()
		}(i)
	}
	wg.Wait()

	if b.State() != Closed {
		t.Errorf("expected CLOSED, got %s", b.State())
	}
}
