package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"storyforge/pkg/generation/providers"
	"storyforge/pkg/story"
)

// Category is the coarse class of a failed run, safe to show to clients.
type Category string

// Failure categories.
const (
	CategoryInvalidInput Category = "invalid_input"
	CategoryUnavailable  Category = "unavailable"
	CategoryInternal     Category = "internal"
)

// PhaseError reports which phase of a run failed. The cause is reachable through Unwrap and
// is logged, but is not part of Error so it cannot leak into responses.
type PhaseError struct {
	Phase    string
	Category Category
	Err      error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("chapter generation failed in %s (%s)", e.Phase, e.Category)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// CategoryOf returns the category of err, or CategoryInternal if err is not a *PhaseError.
func CategoryOf(err error) Category {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryInternal
}

func categorize(phase string, err error) Category {
	var verr *story.ValidationError
	switch {
	case phase == PhasePersistResult:
		return CategoryUnavailable
	case errors.As(err, &verr), errors.Is(err, story.ErrNotFound):
		return CategoryInvalidInput
	case errors.Is(err, providers.ErrAllProvidersFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryUnavailable
	default:
		return CategoryInternal
	}
}
