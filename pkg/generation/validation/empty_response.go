// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"strings"

	"storyforge/pkg/generation/llm"
	"storyforge/pkg/generation/llmerrors"
	"storyforge/pkg/logx"
)

// EmptyResponseMiddleware turns a successful but blank completion into an
// ErrorTypeEmptyResponse failure so the caller can fall back to another provider.
// It never retries.
func EmptyResponseMiddleware(provider string) llm.Middleware {
	logger := logx.NewLogger("empty-response/" + provider)
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
					return resp, err
				}
				if strings.TrimSpace(resp.Content) == "" {
					logger.Warn("empty completion from %s (stop reason %q)", next.GetModelName(), resp.StopReason)
					return resp, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
						provider+": completion contained no text")
				}
				return resp, nil
			},
			next.GetModelName,
		)
	}
}
