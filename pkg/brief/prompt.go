package brief

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"storyforge/pkg/generation/providers"
	"storyforge/pkg/story"
	"storyforge/pkg/utils"
)

const systemTemplate = `You are a children's storyteller writing one chapter at a time of an interactive story.
Write for a reader who is {{.Age}} years old{{if .Language}}, in the language with code "{{.Language}}"{{end}}.
Genre: {{.Genre}}. Tone: {{.Tone}}.
Keep every chapter safe and kind for that age. Write about {{.Words}} words.
End the chapter with two or three short options for what could happen next, one per line, each starting with "- ".`

const userTemplate = `Story: {{.Title}}
{{- if .Setting}}
Setting: {{.Setting}}
{{- end}}
{{- if .History}}

Story so far:
{{- range .History}}

Chapter {{.Number}}{{if .Choice}} (the reader chose: {{.Choice}}){{end}}
{{.Content}}
{{- end}}
{{- end}}

Write chapter {{.Next}}.
{{- if .Choice}}
The reader chose: {{.Choice}}
{{- end}}`

// settingBudget is the token cap on the story setting.
const settingBudget = 200

type systemData struct {
	Age      int
	Language string
	Genre    string
	Tone     string
	Words    int
}

type userData struct {
	Title   string
	Setting string
	History []story.Chapter
	Next    int
	Choice  string
}

// PromptBuilder renders prompts from story context. It keeps the most recent chapters that fit
// the history token budget.
type PromptBuilder struct {
	historyBudget int
	counter       *utils.TokenCounter
	system        *template.Template
	user          *template.Template
}

// NewPromptBuilder creates a builder whose story history never exceeds historyBudget tokens.
func NewPromptBuilder(historyBudget int) *PromptBuilder {
	return &PromptBuilder{
		historyBudget: historyBudget,
		counter:       utils.DefaultCounter(),
		system:        template.Must(template.New("system").Parse(systemTemplate)),
		user:          template.Must(template.New("user").Parse(userTemplate)),
	}
}

// Build renders the prompt for the next chapter.
func (b *PromptBuilder) Build(sc story.Context, req story.Request) (providers.Prompt, error) {
	sys := systemData{
		Age:      firstPositive(req.AudienceAge, sc.Story.AudienceAge, 8),
		Language: firstNonEmpty(req.Language, sc.Story.Language),
		Genre:    firstNonEmpty(req.Genre, sc.Story.Genre, "adventure"),
		Tone:     firstNonEmpty(req.Tone, DefaultTone),
		Words:    firstPositive(req.LengthWords, DefaultLengthWords),
	}
	next := sc.NextNumber
	if next <= 0 {
		next = 1
	}
	usr := userData{
		Title:   sc.Story.Title,
		Setting: b.counter.TruncateToTokenLimit(sc.Story.Setting, settingBudget),
		History: b.fitHistory(sc.History),
		Next:    next,
		Choice:  firstNonEmpty(req.Choice, sc.Choice),
	}

	var system, user bytes.Buffer
	if err := b.system.Execute(&system, sys); err != nil {
		return providers.Prompt{}, fmt.Errorf("render system prompt: %w", err)
	}
	if err := b.user.Execute(&user, usr); err != nil {
		return providers.Prompt{}, fmt.Errorf("render user prompt: %w", err)
	}

	return providers.Prompt{
		System: system.String(),
		User:   strings.TrimSpace(user.String()),
	}, nil
}

// fitHistory drops the oldest chapters until the rest fit the budget. If even the newest
// chapter is too long, only its ending is kept.
func (b *PromptBuilder) fitHistory(history []story.Chapter) []story.Chapter {
	if len(history) == 0 || b.historyBudget <= 0 {
		return nil
	}

	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := b.counter.CountTokens(history[i].Content)
		if used+n > b.historyBudget {
			break
		}
		used += n
		start = i
	}

	if start == len(history) {
		newest := history[len(history)-1]
		newest.Content = b.counter.KeepLastTokens(newest.Content, b.historyBudget)
		return []story.Chapter{newest}
	}
	return append([]story.Chapter(nil), history[start:]...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
