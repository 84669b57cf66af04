package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names, shared with QueryService.
const (
	metricAttempts     = "storyforge_provider_attempts_total"
	metricGenerations  = "storyforge_generations_total"
	metricLatency      = "storyforge_provider_latency_seconds"
	metricFallback     = "storyforge_fallback_attempt"
	metricPhase        = "storyforge_phase_duration_seconds"
	metricRequests     = "storyforge_requests_total"
	metricRequestTime  = "storyforge_request_duration_seconds"
	metricBreakerState = "storyforge_breaker_state"
	metricSideEffects  = "storyforge_side_effect_failures_total"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	attemptsTotal     *prometheus.CounterVec
	generationsTotal  *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	fallbackAttempt   prometheus.Histogram
	phaseDuration     *prometheus.HistogramVec
	requestsTotal     *prometheus.CounterVec
	requestDuration   prometheus.Histogram
	breakerState      *prometheus.GaugeVec
	sideEffectFailure prometheus.Counter
}

// NewPrometheusRecorder registers the storyforge metrics with reg. A nil reg uses the
// default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricAttempts,
				Help: "Provider attempts by provider and outcome (success, failure, skipped)",
			},
			[]string{"provider", "outcome"},
		),
		generationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricGenerations,
				Help: "Successful generations by provider and whether a fallback was needed",
			},
			[]string{"provider", "fallback"},
		),
		providerLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricLatency,
				Help:    "Latency of provider calls in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90, 120},
			},
			[]string{"provider"},
		),
		fallbackAttempt: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricFallback,
				Help:    "Zero-based index of the provider that produced content",
				Buckets: prometheus.LinearBuckets(0, 1, 5),
			},
		),
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPhase,
				Help:    "Phase-local duration of orchestration phases in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricRequests,
				Help: "Orchestration runs by outcome",
			},
			[]string{"outcome"},
		),
		requestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricRequestTime,
				Help:    "Total duration of orchestration runs in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90, 120},
			},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricBreakerState,
				Help: "Circuit breaker mode per provider (0 closed, 1 open, 2 half-open)",
			},
			[]string{"provider"},
		),
		sideEffectFailure: factory.NewCounter(
			prometheus.CounterOpts{
				Name: metricSideEffects,
				Help: "Failed best-effort side effects",
			},
		),
	}
}

// ObserveAttempt records one provider attempt.
func (p *PrometheusRecorder) ObserveAttempt(provider, outcome string, latency time.Duration) {
	p.attemptsTotal.WithLabelValues(provider, outcome).Inc()
	if outcome != OutcomeSkipped {
		p.providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// ObserveGeneration records the provider and fallback index of a successful generation.
func (p *PrometheusRecorder) ObserveGeneration(provider string, fallbackAttempt int) {
	p.generationsTotal.WithLabelValues(provider, strconv.FormatBool(fallbackAttempt > 0)).Inc()
	p.fallbackAttempt.Observe(float64(fallbackAttempt))
}

// ObservePhase records a phase duration.
func (p *PrometheusRecorder) ObservePhase(phase string, duration time.Duration) {
	p.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObserveRequest records a finished run.
func (p *PrometheusRecorder) ObserveRequest(outcome string, duration time.Duration) {
	p.requestsTotal.WithLabelValues(outcome).Inc()
	p.requestDuration.Observe(duration.Seconds())
}

// SetBreakerState publishes the breaker mode.
func (p *PrometheusRecorder) SetBreakerState(provider string, state int) {
	p.breakerState.WithLabelValues(provider).Set(float64(state))
}

// IncSideEffectFailure counts a failed side effect.
func (p *PrometheusRecorder) IncSideEffectFailure() {
	p.sideEffectFailure.Inc()
}
