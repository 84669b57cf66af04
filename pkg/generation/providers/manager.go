package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storyforge/pkg/generation/circuit"
	"storyforge/pkg/logx"
	"storyforge/pkg/metrics"
)

// Entry binds a provider identity to its adapter.
type Entry struct {
	ID      ID
	Adapter Adapter
}

// Options tunes a Manager. The zero value uses circuit.DefaultConfig and no metrics.
type Options struct {
	Breaker        circuit.Config
	BreakerOptions []circuit.Option
	Recorder       metrics.Recorder
	Clock          func() time.Time
}

// Metadata describes how a generation was produced.
type Metadata struct {
	// FallbackAttempt is the zero-based position of the provider that succeeded.
	FallbackAttempt int
	Duration        time.Duration
	Model           string
	TokensUsed      int
	ProviderLatency time.Duration
	Attempts        []Attempt
}

// Generation is the outcome of a successful GenerateContent call.
type Generation struct {
	Content  string
	Provider ID
	Metadata Metadata
}

// ProviderStatus is a read-only view of one provider for health endpoints.
type ProviderStatus struct {
	Provider         ID            `json:"provider"`
	Available        bool          `json:"available"`
	State            string        `json:"state"`
	FailureCount     int           `json:"failure_count"`
	MonitoringPeriod time.Duration `json:"monitoring_period"`
	NextAttempt      time.Time     `json:"next_attempt,omitempty"`
	LastFailure      time.Time     `json:"last_failure,omitempty"`
}

// Manager tries providers in a fixed priority order, each behind its own breaker.
// Membership is fixed at construction, so only the breakers carry locks.
type Manager struct {
	order    []ID
	adapters map[ID]Adapter
	breakers map[ID]*circuit.Breaker
	recorder metrics.Recorder
	now      func() time.Time
	logger   *logx.Logger
}

// NewManager builds a manager over entries, in the order given.
func NewManager(entries []Entry, opts Options) (*Manager, error) {
	if len(entries) == 0 {
		return nil, ErrMissingProviders
	}

	cfg := opts.Breaker
	if cfg == (circuit.Config{}) {
		cfg = circuit.DefaultConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}

	m := &Manager{
		order:    make([]ID, 0, len(entries)),
		adapters: make(map[ID]Adapter, len(entries)),
		breakers: make(map[ID]*circuit.Breaker, len(entries)),
		recorder: opts.Recorder,
		now:      opts.Clock,
		logger:   logx.NewLogger("providers"),
	}
	if m.recorder == nil {
		m.recorder = metrics.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}

	breakerOpts := append([]circuit.Option{
		circuit.WithStateChangeHook(func(name string, _, to circuit.State) {
			m.recorder.SetBreakerState(name, int(to))
		}),
	}, opts.BreakerOptions...)

	for _, e := range entries {
		if !e.ID.Valid() {
			return nil, fmt.Errorf("unknown provider %q", e.ID)
		}
		if e.Adapter == nil {
			return nil, fmt.Errorf("provider %s has no adapter", e.ID)
		}
		if _, dup := m.adapters[e.ID]; dup {
			return nil, fmt.Errorf("provider %s configured twice", e.ID)
		}
		m.order = append(m.order, e.ID)
		m.adapters[e.ID] = e.Adapter
		m.breakers[e.ID] = circuit.New(string(e.ID), cfg, breakerOpts...)
		m.recorder.SetBreakerState(string(e.ID), int(circuit.Closed))
	}

	m.logger.Info("provider priority: %v", m.order)
	return m, nil
}

// Providers returns the configured providers in priority order.
func (m *Manager) Providers() []ID {
	return append([]ID(nil), m.order...)
}

// Breaker returns the breaker guarding id, or nil.
func (m *Manager) Breaker(id ID) *circuit.Breaker {
	return m.breakers[id]
}

// GenerateContent returns the first successful generation in priority order.
//
// A provider whose breaker is open is skipped without invoking its adapter. A failed provider
// is recorded against its breaker exactly once and the next provider is tried. The whole set
// is never retried here. The context is checked before each provider; a call that has started
// runs to completion (bounded by the adapter's own timeout) even if ctx is canceled meanwhile.
func (m *Manager) GenerateContent(ctx context.Context, prompt Prompt, cfg GenerationConfig) (*Generation, error) {
	start := m.now()
	attempts := make([]Attempt, 0, len(m.order))
	var lastErr error

	for i, id := range m.order {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("generation stopped before %s (%d of %d providers tried): %w", id, i, len(m.order), err)
		}

		breaker := m.breakers[id]
		if breaker.IsOpen() {
			m.logger.Info("skipping %s: circuit breaker open", id)
			snap := breaker.Snapshot()
			lastErr = &circuit.OpenError{Name: snap.Name, State: snap.State, NextAttempt: snap.NextAttempt}
			attempts = append(attempts, Attempt{Provider: id, Skipped: true, Err: lastErr})
			m.recorder.ObserveAttempt(string(id), metrics.OutcomeSkipped, 0)
			continue
		}

		var result Result
		callStart := m.now()
		err := breaker.Execute(context.WithoutCancel(ctx), func(callCtx context.Context) error {
			r, genErr := m.adapters[id].Generate(callCtx, prompt, cfg)
			result = r
			return genErr
		})
		latency := m.now().Sub(callStart)

		if err == nil {
			m.recorder.ObserveAttempt(string(id), metrics.OutcomeSuccess, latency)
			m.recorder.ObserveGeneration(string(id), i)
			if i > 0 {
				m.logger.Info("generated with %s after %d fallback(s)", id, i)
			}
			attempts = append(attempts, Attempt{Provider: id, Latency: latency})
			return &Generation{
				Content:  result.Content,
				Provider: id,
				Metadata: Metadata{
					FallbackAttempt: i,
					Duration:        m.now().Sub(start),
					Model:           result.Model,
					TokensUsed:      result.TokensUsed,
					ProviderLatency: result.Latency,
					Attempts:        attempts,
				},
			}, nil
		}

		breaker.ObserveFailure(err)
		skipped := errors.Is(err, circuit.ErrOpen)
		if skipped {
			m.recorder.ObserveAttempt(string(id), metrics.OutcomeSkipped, 0)
			m.logger.Info("skipping %s: %v", id, err)
		} else {
			m.recorder.ObserveAttempt(string(id), metrics.OutcomeFailure, latency)
			m.logger.Warn("provider %s failed (%d/%d): %v", id, i+1, len(m.order), err)
		}
		attempts = append(attempts, Attempt{Provider: id, Skipped: skipped, Latency: latency, Err: err})
		lastErr = err
	}

	m.logger.Error("all %d providers failed; last error: %v", len(m.order), lastErr)
	return nil, &AllProvidersFailedError{Attempts: attempts, LastErr: lastErr}
}

// Status returns one entry per provider in priority order.
func (m *Manager) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(m.order))
	for _, id := range m.order {
		b := m.breakers[id]
		snap := b.Snapshot()
		out = append(out, ProviderStatus{
			Provider:         id,
			Available:        !b.IsOpen(),
			State:            snap.State.String(),
			FailureCount:     snap.FailureCount,
			MonitoringPeriod: snap.MonitoringPeriod,
			NextAttempt:      snap.NextAttempt,
			LastFailure:      snap.LastFailure,
		})
	}
	return out
}

// ResetBreaker forces the breaker of id closed.
func (m *Manager) ResetBreaker(id ID) error {
	b, ok := m.breakers[id]
	if !ok {
		return fmt.Errorf("provider %s is not configured", id)
	}
	b.Reset()
	m.logger.Info("breaker for %s reset by operator", id)
	return nil
}
