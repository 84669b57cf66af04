// Package utils provides tiktoken-based token counting utilities.
package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for prompt budgeting and usage estimates.
type TokenCounter struct {
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // shared codec, loading it is expensive
var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// NewTokenCounter creates a new token counter for the specified model.
// Every provider is approximated with the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// DefaultCounter returns a process-wide counter. It never returns nil; if the codec cannot be
// loaded the counter falls back to character estimation.
func DefaultCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		counter, err := NewTokenCounter("default")
		if err != nil {
			counter = &TokenCounter{}
		}
		defaultCounter = counter
	})
	return defaultCounter
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToTokenLimit keeps the beginning of text within limit tokens and marks the cut with "...".
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	currentTokens := tc.CountTokens(text)
	if currentTokens <= limit {
		return text
	}

	if ids, _, err := tc.encode(text); err == nil && len(ids) > limit {
		if head, err := tc.codec.Decode(ids[:limit]); err == nil {
			return head + "..."
		}
	}

	// Rough approximation: truncate proportionally
	ratio := float64(limit) / float64(currentTokens)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

// KeepLastTokens keeps the end of text within limit tokens and marks the cut with "...".
func (tc *TokenCounter) KeepLastTokens(text string, limit int) string {
	currentTokens := tc.CountTokens(text)
	if currentTokens <= limit {
		return text
	}
	if limit <= 0 {
		return ""
	}

	if ids, _, err := tc.encode(text); err == nil && len(ids) > limit {
		if tail, err := tc.codec.Decode(ids[len(ids)-limit:]); err == nil {
			return "..." + strings.TrimLeft(tail, " ")
		}
	}

	ratio := float64(limit) / float64(currentTokens)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	return "..." + text[len(text)-charLimit:]
}

func (tc *TokenCounter) encode(text string) ([]uint, []string, error) {
	if tc.codec == nil {
		return nil, nil, fmt.Errorf("no codec loaded")
	}
	return tc.codec.Encode(text)
}
