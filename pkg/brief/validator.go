// Package brief provides the default request validator and prompt builder for chapter generation.
package brief

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"storyforge/pkg/story"
)

// Limits applied by Validator.
const (
	MinAudienceAge     = 3
	MaxAudienceAge     = 18
	MinLengthWords     = 100
	MaxLengthWords     = 2000
	DefaultLengthWords = 500
	DefaultTone        = "gentle"
	maxChoiceLen       = 500
	maxHintLen         = 300
)

//nolint:gochecknoglobals // static vocabularies
var (
	genres = map[string]bool{
		"adventure": true, "fantasy": true, "mystery": true, "science-fiction": true,
		"fairy-tale": true, "animals": true, "friendship": true, "humor": true,
	}
	tones = map[string]bool{
		"gentle": true, "funny": true, "exciting": true, "spooky": true, "heartwarming": true, "calm": true,
	}
	languagePattern = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)
)

// Validator is the default orchestrator.Validator.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate normalizes b and rejects the first invalid field with *story.ValidationError.
func (v *Validator) Validate(_ context.Context, b story.Brief) (story.Request, error) {
	req := story.Request{
		StoryID:          clean(b.StoryID),
		Choice:           clean(b.Choice),
		Genre:            strings.ToLower(clean(b.Genre)),
		Tone:             strings.ToLower(clean(b.Tone)),
		AudienceAge:      b.AudienceAge,
		Language:         clean(b.Language),
		LengthWords:      b.LengthWords,
		IllustrationHint: clean(b.IllustrationHint),
	}

	if req.StoryID == "" {
		return story.Request{}, invalid("story_id", "is required")
	}
	if _, err := uuid.Parse(req.StoryID); err != nil {
		return story.Request{}, invalid("story_id", "must be a UUID")
	}
	if req.Genre != "" && !genres[req.Genre] {
		return story.Request{}, invalid("genre", "unsupported genre "+req.Genre)
	}
	if req.Tone == "" {
		req.Tone = DefaultTone
	} else if !tones[req.Tone] {
		return story.Request{}, invalid("tone", "unsupported tone "+req.Tone)
	}
	if req.AudienceAge != 0 && (req.AudienceAge < MinAudienceAge || req.AudienceAge > MaxAudienceAge) {
		return story.Request{}, invalid("audience_age", "must be between 3 and 18")
	}
	if req.Language != "" && !languagePattern.MatchString(req.Language) {
		return story.Request{}, invalid("language", "must be a language code such as en or pt-BR")
	}
	if req.LengthWords == 0 {
		req.LengthWords = DefaultLengthWords
	} else if req.LengthWords < MinLengthWords || req.LengthWords > MaxLengthWords {
		return story.Request{}, invalid("length_words", "must be between 100 and 2000")
	}
	if len(req.Choice) > maxChoiceLen {
		return story.Request{}, invalid("choice", "is too long")
	}
	if len(req.IllustrationHint) > maxHintLen {
		return story.Request{}, invalid("illustration_hint", "is too long")
	}

	return req, nil
}

func invalid(field, msg string) *story.ValidationError {
	return &story.ValidationError{Field: field, Message: msg}
}

// clean strips control characters (newlines and tabs become spaces) and trims.
func clean(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			return ' '
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, s))
}
