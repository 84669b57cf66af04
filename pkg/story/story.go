// Package story holds the domain types that flow through the chapter generation pipeline.
package story

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a story does not exist or is not owned by the caller.
var ErrNotFound = errors.New("not found")

// ValidationError reports one rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Caller identifies who a request runs on behalf of.
type Caller struct {
	UserID string
}

// Brief is the raw creative brief for the next chapter, as received from a client.
type Brief struct {
	StoryID          string `json:"story_id"`
	Choice           string `json:"choice"`
	Genre            string `json:"genre"`
	Tone             string `json:"tone"`
	AudienceAge      int    `json:"audience_age"`
	Language         string `json:"language"`
	LengthWords      int    `json:"length_words"`
	IllustrationHint string `json:"illustration_hint"`
}

// Request is a validated, normalized Brief.
type Request struct {
	StoryID          string
	Choice           string
	Genre            string
	Tone             string
	AudienceAge      int
	Language         string
	LengthWords      int
	IllustrationHint string
}

// Story is a persisted story owned by one user.
type Story struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Genre       string    `json:"genre"`
	Setting     string    `json:"setting"`
	AudienceAge int       `json:"audience_age"`
	Language    string    `json:"language"`
	CreatedAt   time.Time `json:"created_at"`
}

// Chapter is one persisted, generated chapter.
type Chapter struct {
	ID         string    `json:"id"`
	StoryID    string    `json:"story_id"`
	Number     int       `json:"number"`
	Choice     string    `json:"choice,omitempty"` // the option the reader picked to reach this chapter
	Content    string    `json:"content"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	TokensUsed int       `json:"tokens_used"`
	CreatedAt  time.Time `json:"created_at"`
}

// Selector narrows what FetchContext loads.
type Selector struct {
	HistoryLimit int // most recent chapters to load, 0 for none
}

// Context is everything the prompt builder needs about a story.
type Context struct {
	Story       Story
	History     []Chapter // oldest first
	NextNumber  int
	Choice      string // option picked by the reader for the chapter being generated
	RequestedBy string
}

// Draft is generated content waiting to be persisted.
type Draft struct {
	Content         string
	Provider        string
	Model           string
	TokensUsed      int
	FallbackAttempt int
}
