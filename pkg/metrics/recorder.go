package metrics

import "time"

// Attempt outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Recorder receives provider, phase and side-effect events.
type Recorder interface {
	// ObserveAttempt records one provider attempt. Latency is zero for skipped providers.
	ObserveAttempt(provider, outcome string, latency time.Duration)

	// ObserveGeneration records which provider produced content and at which fallback index.
	ObserveGeneration(provider string, fallbackAttempt int)

	// ObservePhase records the phase-local duration of an orchestration phase.
	ObservePhase(phase string, duration time.Duration)

	// ObserveRequest records a finished orchestration run by outcome category.
	ObserveRequest(outcome string, duration time.Duration)

	// SetBreakerState publishes the breaker mode (0 closed, 1 open, 2 half-open).
	SetBreakerState(provider string, state int)

	// IncSideEffectFailure counts a failed best-effort side effect.
	IncSideEffectFailure()
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveAttempt does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveAttempt(_, _ string, _ time.Duration) {}

// ObserveGeneration does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveGeneration(_ string, _ int) {}

// ObservePhase does nothing in the no-op recorder.
func (n *NoopRecorder) ObservePhase(_ string, _ time.Duration) {}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(_ string, _ time.Duration) {}

// SetBreakerState does nothing in the no-op recorder.
func (n *NoopRecorder) SetBreakerState(_ string, _ int) {}

// IncSideEffectFailure does nothing in the no-op recorder.
func (n *NoopRecorder) IncSideEffectFailure() {}
