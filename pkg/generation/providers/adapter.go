package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storyforge/pkg/generation/llm"
	"storyforge/pkg/generation/llmerrors"
	"storyforge/pkg/utils"
)

// LLMAdapter is the standard Adapter over an llm.LLMClient.
type LLMAdapter struct {
	id      ID
	client  llm.LLMClient
	counter *utils.TokenCounter
	now     func() time.Time
}

// NewLLMAdapter wraps client. Any timeout or response validation belongs in the client's
// middleware chain.
func NewLLMAdapter(id ID, client llm.LLMClient) *LLMAdapter {
	return &LLMAdapter{
		id:      id,
		client:  client,
		counter: utils.DefaultCounter(),
		now:     time.Now,
	}
}

// ID returns the provider this adapter serves.
func (a *LLMAdapter) ID() ID {
	return a.id
}

// Generate performs exactly one completion call.
func (a *LLMAdapter) Generate(ctx context.Context, prompt Prompt, cfg GenerationConfig) (Result, error) {
	req := buildRequest(prompt, cfg)
	if err := req.Validate(); err != nil {
		return Result{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, fmt.Sprintf("%s: invalid request: %v", a.id, err))
	}

	start := a.now()
	resp, err := a.client.Complete(ctx, req)
	latency := a.now().Sub(start)
	if err != nil {
		return Result{Model: a.client.GetModelName(), Latency: latency}, err
	}

	tokens := resp.Usage.Total()
	if tokens == 0 {
		tokens = a.counter.CountTokens(prompt.System) + a.counter.CountTokens(prompt.User) + a.counter.CountTokens(resp.Content)
	}

	return Result{
		Content:    resp.Content,
		Model:      a.client.GetModelName(),
		TokensUsed: tokens,
		Latency:    latency,
	}, nil
}

func buildRequest(prompt Prompt, cfg GenerationConfig) llm.CompletionRequest {
	var messages []llm.CompletionMessage
	if system := withAudience(prompt.System, cfg); system != "" {
		messages = append(messages, llm.NewSystemMessage(system))
	}
	if strings.TrimSpace(prompt.User) != "" {
		messages = append(messages, llm.NewUserMessage(prompt.User))
	}

	req := llm.NewCompletionRequest(messages)
	if cfg.MaxTokens > 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if cfg.Temperature > 0 {
		req.Temperature = cfg.Temperature
	}
	return req
}

func withAudience(system string, cfg GenerationConfig) string {
	var notes []string
	if cfg.AudienceAge > 0 {
		notes = append(notes, fmt.Sprintf("The reader is %d years old.", cfg.AudienceAge))
	}
	if cfg.Language != "" {
		notes = append(notes, fmt.Sprintf("Write in the language with code %q.", cfg.Language))
	}
	if len(notes) == 0 {
		return system
	}
	if system == "" {
		return strings.Join(notes, " ")
	}
	return system + "\n\n" + strings.Join(notes, " ")
}
