package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"storyforge/pkg/config"
	"storyforge/pkg/generation/circuit"
	"storyforge/pkg/generation/providers"
	"storyforge/pkg/logx"
	"storyforge/pkg/metrics"
	"storyforge/pkg/story"
)

type validatorFunc func(ctx context.Context, b story.Brief) (story.Request, error)

func (f validatorFunc) Validate(ctx context.Context, b story.Brief) (story.Request, error) {
	return f(ctx, b)
}

type builderFunc func(sc story.Context, req story.Request) (providers.Prompt, error)

func (f builderFunc) Build(sc story.Context, req story.Request) (providers.Prompt, error) {
	return f(sc, req)
}

type generatorFunc func(ctx context.Context, p providers.Prompt, cfg providers.GenerationConfig) (*providers.Generation, error)

func (f generatorFunc) GenerateContent(ctx context.Context, p providers.Prompt, cfg providers.GenerationConfig) (*providers.Generation, error) {
	return f(ctx, p, cfg)
}

type triggerFunc func(ctx context.Context, chapterID, hint string) error

func (f triggerFunc) Trigger(ctx context.Context, chapterID, hint string) error {
	return f(ctx, chapterID, hint)
}

type fakeSessions struct {
	openErr error
	fetcher *fakeFetcher
}

func (s *fakeSessions) Open(_ context.Context, caller story.Caller) (DataFetcher, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.fetcher.caller = caller
	return s.fetcher, nil
}

type fakeFetcher struct {
	caller     story.Caller
	fetchErr   error
	persistErr error
	selector   story.Selector
	persisted  []story.Draft
	persistCtx story.Context
}

func (f *fakeFetcher) FetchContext(_ context.Context, storyID string, sel story.Selector) (story.Context, error) {
	f.selector = sel
	if f.fetchErr != nil {
		return story.Context{}, f.fetchErr
	}
	return story.Context{
		Story:       story.Story{ID: storyID, OwnerID: f.caller.UserID, Title: "The Lantern Fox"},
		History:     []story.Chapter{{Number: 1, Content: "Once upon a time"}},
		NextNumber:  2,
		RequestedBy: f.caller.UserID,
	}, nil
}

func (f *fakeFetcher) Persist(_ context.Context, sc story.Context, draft story.Draft) (story.Chapter, error) {
	if f.persistErr != nil {
		return story.Chapter{}, f.persistErr
	}
	f.persistCtx = sc
	f.persisted = append(f.persisted, draft)
	return story.Chapter{
		ID:         "chapter-2",
		StoryID:    sc.Story.ID,
		Number:     sc.NextNumber,
		Choice:     sc.Choice,
		Content:    draft.Content,
		Provider:   draft.Provider,
		Model:      draft.Model,
		TokensUsed: draft.TokensUsed,
	}, nil
}

type countingRecorder struct {
	metrics.NoopRecorder
	mu                 sync.Mutex
	phases             []string
	requests           []string
	sideEffectFailures int
}

func (r *countingRecorder) ObservePhase(phase string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
}

func (r *countingRecorder) ObserveRequest(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, outcome)
}

func (r *countingRecorder) IncSideEffectFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sideEffectFailures++
}

func (r *countingRecorder) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sideEffectFailures
}

var testCaller = story.Caller{UserID: "reader-1"}

func testBrief() story.Brief {
	return story.Brief{
		StoryID:          "story-1",
		Choice:           "follow the owl",
		AudienceAge:      9,
		Language:         "en",
		IllustrationHint: "an owl at dusk",
	}
}

func passValidator() Validator {
	return validatorFunc(func(_ context.Context, b story.Brief) (story.Request, error) {
		return story.Request{
			StoryID:          b.StoryID,
			Choice:           b.Choice,
			AudienceAge:      b.AudienceAge,
			Language:         b.Language,
			IllustrationHint: b.IllustrationHint,
		}, nil
	})
}

func staticBuilder() PromptBuilder {
	return builderFunc(func(sc story.Context, req story.Request) (providers.Prompt, error) {
		return providers.Prompt{System: "storyteller", User: sc.Story.Title + ": " + req.Choice}, nil
	})
}

func staticGenerator() Generator {
	return generatorFunc(func(_ context.Context, _ providers.Prompt, _ providers.GenerationConfig) (*providers.Generation, error) {
		return &providers.Generation{
			Content:  "The owl led them home.",
			Provider: providers.OpenAI,
			Metadata: providers.Metadata{FallbackAttempt: 1, Model: "gpt-test", TokensUsed: 120},
		}, nil
	})
}

func newTestDeps(fetcher *fakeFetcher) Dependencies {
	return Dependencies{
		Validator:       passValidator(),
		Sessions:        &fakeSessions{fetcher: fetcher},
		PromptBuilder:   staticBuilder(),
		Generator:       staticGenerator(),
		HistoryChapters: 3,
		GenerationConfig: providers.GenerationConfig{
			MaxTokens:   800,
			Temperature: 0.7,
		},
	}
}

func mustNew(t *testing.T, deps Dependencies) *Orchestrator {
	t.Helper()
	o, err := New(deps, WithRequestIDs(func() string { return "req-1" }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestRunProducesChapter(t *testing.T) {
	fetcher := &fakeFetcher{}
	deps := newTestDeps(fetcher)
	recorder := &countingRecorder{}
	deps.Recorder = recorder

	var gotCfg providers.GenerationConfig
	var gotPrompt providers.Prompt
	deps.Generator = generatorFunc(func(ctx context.Context, p providers.Prompt, cfg providers.GenerationConfig) (*providers.Generation, error) {
		gotCfg, gotPrompt = cfg, p
		return staticGenerator().GenerateContent(ctx, p, cfg)
	})

	type triggered struct{ chapterID, hint string }
	calls := make(chan triggered, 1)
	deps.SideEffect = triggerFunc(func(_ context.Context, chapterID, hint string) error {
		calls <- triggered{chapterID, hint}
		return nil
	})

	o := mustNew(t, deps)
	resp, err := o.Run(context.Background(), testCaller, testBrief())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	o.Wait()

	if resp.RequestID != "req-1" || resp.Provider != "openai" || resp.FallbackAttempt != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Chapter.ID != "chapter-2" || resp.Chapter.Number != 2 || resp.Chapter.Choice != "follow the owl" {
		t.Errorf("unexpected chapter %+v", resp.Chapter)
	}
	if fetcher.selector.HistoryLimit != 3 {
		t.Errorf("expected history limit 3, got %d", fetcher.selector.HistoryLimit)
	}
	if fetcher.persistCtx.Choice != "follow the owl" {
		t.Errorf("selected choice must reach persistence, got %q", fetcher.persistCtx.Choice)
	}
	if len(fetcher.persisted) != 1 || fetcher.persisted[0].FallbackAttempt != 1 || fetcher.persisted[0].Model != "gpt-test" {
		t.Errorf("unexpected draft %+v", fetcher.persisted)
	}
	if gotCfg.AudienceAge != 9 || gotCfg.Language != "en" || gotCfg.MaxTokens != 800 {
		t.Errorf("generation config not derived from the request: %+v", gotCfg)
	}
	if gotPrompt.User != "The Lantern Fox: follow the owl" {
		t.Errorf("unexpected prompt %+v", gotPrompt)
	}

	select {
	case call := <-calls:
		if call.chapterID != "chapter-2" || call.hint != "an owl at dusk" {
			t.Errorf("unexpected trigger call %+v", call)
		}
	default:
		t.Fatal("side effect was not triggered")
	}

	if !resp.Metrics.Finished || len(resp.Metrics.Phases) != len(Phases) {
		t.Fatalf("expected %d finished phases, got %+v", len(Phases), resp.Metrics)
	}
	for i, name := range Phases {
		if resp.Metrics.Phases[i].Name != name {
			t.Errorf("phase %d: expected %s, got %s", i, name, resp.Metrics.Phases[i].Name)
		}
	}
	if resp.Metrics.Values["tokens_used"] != 120 {
		t.Errorf("expected tokens_used recorded, got %v", resp.Metrics.Values)
	}
	if len(recorder.phases) != len(Phases) || len(recorder.requests) != 1 || recorder.requests[0] != metrics.OutcomeSuccess {
		t.Errorf("unexpected recorder state: phases=%v requests=%v", recorder.phases, recorder.requests)
	}
}

func TestRunWithoutSideEffect(t *testing.T) {
	o := mustNew(t, newTestDeps(&fakeFetcher{}))
	resp, err := o.Run(context.Background(), testCaller, testBrief())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := resp.Metrics.Phase(PhaseTriggerSideEffect); !ok {
		t.Error("trigger phase must still be timed when no side effect is configured")
	}
}

func TestRunFailureCategories(t *testing.T) {
	cause := errors.New("secret upstream detail")
	tests := []struct {
		name     string
		mutate   func(*Dependencies, *fakeFetcher)
		phase    string
		category Category
	}{
		{
			name: "invalid brief",
			mutate: func(d *Dependencies, _ *fakeFetcher) {
				d.Validator = validatorFunc(func(context.Context, story.Brief) (story.Request, error) {
					return story.Request{}, &story.ValidationError{Field: "genre", Message: "unknown"}
				})
			},
			phase:    PhaseValidate,
			category: CategoryInvalidInput,
		},
		{
			name: "session open failure",
			mutate: func(d *Dependencies, f *fakeFetcher) {
				d.Sessions = &fakeSessions{openErr: cause, fetcher: f}
			},
			phase:    PhaseInitializeContext,
			category: CategoryInternal,
		},
		{
			name:     "unknown story",
			mutate:   func(_ *Dependencies, f *fakeFetcher) { f.fetchErr = story.ErrNotFound },
			phase:    PhaseFetchContext,
			category: CategoryInvalidInput,
		},
		{
			name: "prompt failure",
			mutate: func(d *Dependencies, _ *fakeFetcher) {
				d.PromptBuilder = builderFunc(func(story.Context, story.Request) (providers.Prompt, error) {
					return providers.Prompt{}, cause
				})
			},
			phase:    PhaseBuildPrompt,
			category: CategoryInternal,
		},
		{
			name: "all providers failed",
			mutate: func(d *Dependencies, _ *fakeFetcher) {
				d.Generator = generatorFunc(func(context.Context, providers.Prompt, providers.GenerationConfig) (*providers.Generation, error) {
					return nil, &providers.AllProvidersFailedError{LastErr: cause}
				})
			},
			phase:    PhaseGenerateContent,
			category: CategoryUnavailable,
		},
		{
			name: "cancelled",
			mutate: func(d *Dependencies, _ *fakeFetcher) {
				d.Generator = generatorFunc(func(context.Context, providers.Prompt, providers.GenerationConfig) (*providers.Generation, error) {
					return nil, context.Canceled
				})
			},
			phase:    PhaseGenerateContent,
			category: CategoryUnavailable,
		},
		{
			name:     "persistence failure",
			mutate:   func(_ *Dependencies, f *fakeFetcher) { f.persistErr = cause },
			phase:    PhasePersistResult,
			category: CategoryUnavailable,
		},
		{
			name:     "story vanished before persist",
			mutate:   func(_ *Dependencies, f *fakeFetcher) { f.persistErr = story.ErrNotFound },
			phase:    PhasePersistResult,
			category: CategoryUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{}
			deps := newTestDeps(fetcher)
			tt.mutate(&deps, fetcher)
			var triggered bool
			deps.SideEffect = triggerFunc(func(context.Context, string, string) error {
				triggered = true
				return nil
			})

			o := mustNew(t, deps)
			resp, err := o.Run(context.Background(), testCaller, testBrief())
			o.Wait()
			if resp != nil {
				t.Fatalf("expected no response, got %+v", resp)
			}

			var pe *PhaseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *PhaseError, got %T: %v", err, err)
			}
			if pe.Phase != tt.phase || pe.Category != tt.category {
				t.Errorf("expected %s/%s, got %s/%s", tt.phase, tt.category, pe.Phase, pe.Category)
			}
			if CategoryOf(err) != tt.category {
				t.Errorf("CategoryOf returned %s", CategoryOf(err))
			}
			if strings.Contains(err.Error(), cause.Error()) {
				t.Errorf("error message leaks the cause: %q", err.Error())
			}
			if pe.Unwrap() == nil {
				t.Error("cause must be reachable through Unwrap")
			}
			if triggered {
				t.Error("side effect must not run after a failed phase")
			}
		})
	}
}

func TestSideEffectFailureDoesNotFailRun(t *testing.T) {
	since := time.Now()
	deps := newTestDeps(&fakeFetcher{})
	recorder := &countingRecorder{}
	deps.Recorder = recorder
	deps.SideEffect = triggerFunc(func(context.Context, string, string) error {
		return errors.New("redis unavailable")
	})

	o := mustNew(t, deps)
	resp, err := o.Run(context.Background(), testCaller, testBrief())
	if err != nil {
		t.Fatalf("Run must succeed when the side effect fails: %v", err)
	}
	o.Wait()

	if resp.Chapter.ID != "chapter-2" {
		t.Errorf("unexpected chapter %+v", resp.Chapter)
	}
	if recorder.failures() != 1 {
		t.Errorf("expected one side-effect failure, got %d", recorder.failures())
	}

	var found bool
	for _, entry := range logx.GetRecentLogEntries("orchestrator", logx.LevelWarn, since) {
		if strings.Contains(entry.Message, "chapter-2") && strings.Contains(entry.Message, "redis unavailable") {
			found = true
		}
	}
	if !found {
		t.Error("expected a warning about the failed illustration trigger")
	}
}

func TestSideEffectPanicIsRecovered(t *testing.T) {
	deps := newTestDeps(&fakeFetcher{})
	recorder := &countingRecorder{}
	deps.Recorder = recorder
	deps.SideEffect = triggerFunc(func(context.Context, string, string) error {
		panic("queue client exploded")
	})

	o := mustNew(t, deps)
	if _, err := o.Run(context.Background(), testCaller, testBrief()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	o.Wait()
	if recorder.failures() != 1 {
		t.Errorf("expected panic counted as failure, got %d", recorder.failures())
	}
}

func TestSideEffectRunsDetached(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var sawCancel bool
	deps := newTestDeps(&fakeFetcher{})
	deps.SideEffect = triggerFunc(func(ctx context.Context, _, _ string) error {
		close(started)
		<-release
		sawCancel = ctx.Err() != nil
		return nil
	})

	o := mustNew(t, deps)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := o.Run(ctx, testCaller, testBrief()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cancel()
	<-started

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	if err := o.Shutdown(shutdownCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected Shutdown to time out while the task runs, got %v", err)
	}

	close(release)
	o.Wait()
	if sawCancel {
		t.Error("side effect must not inherit the request cancellation")
	}
}

func TestRunWithProviderManager(t *testing.T) {
	var calls []providers.ID
	var mu sync.Mutex
	adapter := func(id providers.ID, err error) providers.Adapter {
		return providers.AdapterFunc(func(context.Context, providers.Prompt, providers.GenerationConfig) (providers.Result, error) {
			mu.Lock()
			calls = append(calls, id)
			mu.Unlock()
			if err != nil {
				return providers.Result{}, err
			}
			return providers.Result{Content: "chapter text", Model: "gemini-test", TokensUsed: 64}, nil
		})
	}
	manager, err := providers.NewManager([]providers.Entry{
		{ID: providers.Anthropic, Adapter: adapter(providers.Anthropic, errors.New("overloaded"))},
		{ID: providers.Google, Adapter: adapter(providers.Google, nil)},
	}, providers.Options{Breaker: circuit.DefaultConfig})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	fetcher := &fakeFetcher{}
	deps := newTestDeps(fetcher)
	deps.Generator = manager
	o := mustNew(t, deps)

	resp, err := o.Run(context.Background(), testCaller, testBrief())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Provider != "google" || resp.FallbackAttempt != 1 {
		t.Errorf("expected google at fallback 1, got %s/%d", resp.Provider, resp.FallbackAttempt)
	}
	if fetcher.persisted[0].Provider != "google" || fetcher.persisted[0].TokensUsed != 64 {
		t.Errorf("unexpected draft %+v", fetcher.persisted[0])
	}
	if len(calls) != 2 || calls[0] != providers.Anthropic {
		t.Errorf("unexpected call order %v", calls)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	base := newTestDeps(&fakeFetcher{})
	cases := map[string]func(*Dependencies){
		"validator": func(d *Dependencies) { d.Validator = nil },
		"sessions":  func(d *Dependencies) { d.Sessions = nil },
		"builder":   func(d *Dependencies) { d.PromptBuilder = nil },
		"generator": func(d *Dependencies) { d.Generator = nil },
		"history":   func(d *Dependencies) { d.HistoryChapters = -1 },
	}
	for name, mutate := range cases {
		deps := base
		mutate(&deps)
		if _, err := New(deps); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNewDefaultsSideEffectTimeout(t *testing.T) {
	deps := newTestDeps(&fakeFetcher{})
	deps.SideEffectTimeout = 0
	o := mustNew(t, deps)
	if o.deps.SideEffectTimeout != config.DefaultSideEffectTimeout {
		t.Errorf("expected side effect timeout %s, got %s", config.DefaultSideEffectTimeout, o.deps.SideEffectTimeout)
	}
}
