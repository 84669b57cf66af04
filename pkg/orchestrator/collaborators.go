package orchestrator

import (
	"context"

	"storyforge/pkg/generation/providers"
	"storyforge/pkg/story"
)

// Validator turns a raw brief into a typed request. It returns *story.ValidationError for bad input.
type Validator interface {
	Validate(ctx context.Context, brief story.Brief) (story.Request, error)
}

// Sessions opens a data-access handle scoped to the caller.
type Sessions interface {
	Open(ctx context.Context, caller story.Caller) (DataFetcher, error)
}

// DataFetcher loads and stores story data for one caller.
type DataFetcher interface {
	// FetchContext returns story.ErrNotFound when the story is missing or owned by someone else.
	FetchContext(ctx context.Context, storyID string, sel story.Selector) (story.Context, error)
	Persist(ctx context.Context, sc story.Context, draft story.Draft) (story.Chapter, error)
}

// PromptBuilder builds the generation prompt. It must not perform I/O.
type PromptBuilder interface {
	Build(sc story.Context, req story.Request) (providers.Prompt, error)
}

// SideEffectTrigger starts a dependent job for a stored chapter.
type SideEffectTrigger interface {
	Trigger(ctx context.Context, chapterID, hint string) error
}

// Generator produces content. *providers.Manager implements it.
type Generator interface {
	GenerateContent(ctx context.Context, prompt providers.Prompt, cfg providers.GenerationConfig) (*providers.Generation, error)
}
