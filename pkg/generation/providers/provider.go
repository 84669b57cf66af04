// Package providers turns the per-SDK completion clients into interchangeable generation
// adapters and selects among them with per-provider circuit breaking and ordered fallback.
package providers

import (
	"context"
	"fmt"
	"time"
)

// ID identifies one upstream generation service. The set is closed.
type ID string

// Supported providers.
const (
	Anthropic ID = "anthropic"
	OpenAI    ID = "openai"
	Google    ID = "google"
	Bedrock   ID = "bedrock"
	Ollama    ID = "ollama"
)

// All lists every supported provider in default priority order.
//
//nolint:gochecknoglobals // closed set
var All = []ID{Anthropic, OpenAI, Google, Bedrock, Ollama}

func (id ID) String() string {
	return string(id)
}

// Valid reports whether id is one of the supported providers.
func (id ID) Valid() bool {
	for _, known := range All {
		if id == known {
			return true
		}
	}
	return false
}

// ParseID converts a configuration string into an ID.
func ParseID(s string) (ID, error) {
	id := ID(s)
	if !id.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return id, nil
}

// Prompt is the fully built input for one generation.
type Prompt struct {
	System string
	User   string
}

// GenerationConfig carries sampling limits and the target audience.
type GenerationConfig struct {
	MaxTokens   int
	Temperature float32
	AudienceAge int    // Reader age in years, 0 when unknown
	Language    string // BCP 47 language code, empty for the model default
}

// Result is what an adapter returns for one successful call.
type Result struct {
	Content    string
	Model      string
	TokensUsed int
	Latency    time.Duration
}

// Adapter wraps one upstream service behind a single operation. Implementations must not
// retry internally and must bound their own call duration.
type Adapter interface {
	Generate(ctx context.Context, prompt Prompt, cfg GenerationConfig) (Result, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, prompt Prompt, cfg GenerationConfig) (Result, error)

// Generate calls f.
func (f AdapterFunc) Generate(ctx context.Context, prompt Prompt, cfg GenerationConfig) (Result, error) {
	return f(ctx, prompt, cfg)
}
