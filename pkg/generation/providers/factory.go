package providers

import (
	"context"
	"fmt"

	"storyforge/pkg/config"
	"storyforge/pkg/generation/circuit"
	"storyforge/pkg/generation/internal/llmimpl/anthropic"
	"storyforge/pkg/generation/internal/llmimpl/bedrock"
	"storyforge/pkg/generation/internal/llmimpl/google"
	"storyforge/pkg/generation/internal/llmimpl/ollama"
	"storyforge/pkg/generation/internal/llmimpl/openai"
	"storyforge/pkg/generation/llm"
	"storyforge/pkg/generation/timeout"
	"storyforge/pkg/generation/validation"
	"storyforge/pkg/logx"
	"storyforge/pkg/metrics"
)

// ClientBuilder constructs the raw SDK client for one provider.
type ClientBuilder func(ctx context.Context, id ID, credential, model string, cfg *config.Config) (llm.LLMClient, error)

// FactoryOption customizes NewManagerFromConfig.
type FactoryOption func(*factory)

type factory struct {
	build       ClientBuilder
	recorder    metrics.Recorder
	breakerOpts []circuit.Option
}

// WithClientBuilder replaces the SDK client constructor.
func WithClientBuilder(b ClientBuilder) FactoryOption {
	return func(f *factory) { f.build = b }
}

// WithRecorder sends provider metrics to rec.
func WithRecorder(rec metrics.Recorder) FactoryOption {
	return func(f *factory) { f.recorder = rec }
}

// WithBreakerOptions passes extra options to every breaker.
func WithBreakerOptions(opts ...circuit.Option) FactoryOption {
	return func(f *factory) { f.breakerOpts = append(f.breakerOpts, opts...) }
}

// NewManagerFromConfig registers every provider in cfg.Providers.Priority whose credential
// resolves to a real value. Missing and placeholder credentials exclude the provider; if none
// remain the result is ErrMissingProviders.
func NewManagerFromConfig(ctx context.Context, cfg *config.Config, opts ...FactoryOption) (*Manager, error) {
	f := &factory{build: buildSDKClient}
	for _, opt := range opts {
		opt(f)
	}
	logger := logx.NewLogger("providers")

	priority := cfg.Providers.Priority
	if len(priority) == 0 {
		priority = config.DefaultPriority
	}

	entries := make([]Entry, 0, len(priority))
	for _, name := range priority {
		id, err := ParseID(name)
		if err != nil {
			return nil, err
		}
		credential, ok := config.ResolveCredential(name)
		if !ok {
			logger.Info("provider %s excluded: no usable credential", id)
			continue
		}

		model := cfg.Model(name)
		client, err := f.build(ctx, id, credential, model, cfg)
		if err != nil {
			return nil, fmt.Errorf("create %s client: %w", id, err)
		}
		client = llm.Chain(client,
			timeout.Middleware(cfg.Providers.Timeout.Std()),
			validation.EmptyResponseMiddleware(name),
		)
		entries = append(entries, Entry{ID: id, Adapter: NewLLMAdapter(id, client)})
		logger.Info("provider %s registered with model %s", id, model)
	}

	return NewManager(entries, Options{
		Breaker: circuit.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout.Std(),
			MonitoringPeriod: cfg.Breaker.MonitoringPeriod.Std(),
			HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
		},
		BreakerOptions: f.breakerOpts,
		Recorder:       f.recorder,
	})
}

// DefaultGenerationConfig returns the sampling limits configured for every request.
func DefaultGenerationConfig(cfg *config.Config) GenerationConfig {
	return GenerationConfig{
		MaxTokens:   cfg.Providers.MaxTokens,
		Temperature: float32(cfg.Providers.Temperature),
	}
}

func buildSDKClient(ctx context.Context, id ID, credential, model string, cfg *config.Config) (llm.LLMClient, error) {
	switch id {
	case Anthropic:
		return anthropic.NewClaudeClientWithModel(credential, model), nil
	case OpenAI:
		return openai.NewOfficialClientWithModel(credential, model), nil
	case Google:
		return google.NewGeminiClientWithModel(credential, model), nil
	case Bedrock:
		creds, ok := config.ResolveAWSCredentials()
		if !ok {
			return nil, fmt.Errorf("no usable AWS credentials")
		}
		client, err := bedrock.NewFromConfig(ctx, cfg.Providers.BedrockRegion, model, bedrock.Credentials{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
			Profile:         creds.Profile,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case Ollama:
		return ollama.NewOllamaClientWithModel(credential, model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", id)
	}
}
