package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ProviderStats aggregates the attempt counters of one provider.
type ProviderStats struct {
	Provider     string  `json:"provider"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	Skipped      int64   `json:"skipped"`
	Generations  int64   `json:"generations"`
	FallbackWins int64   `json:"fallback_generations"`
	FallbackRate float64 `json:"fallback_rate"`
	BreakerState float64 `json:"breaker_state"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetProviderStats returns attempt and fallback totals per provider, sorted by name.
func (q *QueryService) GetProviderStats(ctx context.Context) ([]ProviderStats, error) {
	byProvider := make(map[string]*ProviderStats)
	get := func(name string) *ProviderStats {
		s, ok := byProvider[name]
		if !ok {
			s = &ProviderStats{Provider: name}
			byProvider[name] = s
		}
		return s
	}

	attempts, err := q.vector(ctx, fmt.Sprintf(`sum by (provider, outcome) (%s)`, metricAttempts))
	if err != nil {
		return nil, fmt.Errorf("failed to query provider attempts: %w", err)
	}
	for _, sample := range attempts {
		s := get(string(sample.Metric["provider"]))
		switch string(sample.Metric["outcome"]) {
		case OutcomeSuccess:
			s.Successes = int64(sample.Value)
		case OutcomeFailure:
			s.Failures = int64(sample.Value)
		case OutcomeSkipped:
			s.Skipped = int64(sample.Value)
		}
	}

	generations, err := q.vector(ctx, fmt.Sprintf(`sum by (provider, fallback) (%s)`, metricGenerations))
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	for _, sample := range generations {
		s := get(string(sample.Metric["provider"]))
		s.Generations += int64(sample.Value)
		if sample.Metric["fallback"] == "true" {
			s.FallbackWins += int64(sample.Value)
		}
	}

	states, err := q.vector(ctx, metricBreakerState)
	if err != nil {
		return nil, fmt.Errorf("failed to query breaker state: %w", err)
	}
	for _, sample := range states {
		get(string(sample.Metric["provider"])).BreakerState = float64(sample.Value)
	}

	result := make([]ProviderStats, 0, len(byProvider))
	for _, s := range byProvider {
		if s.Generations > 0 {
			s.FallbackRate = float64(s.FallbackWins) / float64(s.Generations)
		}
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Provider < result[j].Provider })
	return result, nil
}

// GetSideEffectFailures returns the total number of failed side effects.
func (q *QueryService) GetSideEffectFailures(ctx context.Context) (int64, error) {
	vector, err := q.vector(ctx, fmt.Sprintf(`sum(%s)`, metricSideEffects))
	if err != nil {
		return 0, fmt.Errorf("failed to query side-effect failures: %w", err)
	}
	if len(vector) == 0 {
		return 0, nil
	}
	return int64(vector[0].Value), nil
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}
	return vector, nil
}
