// Package orchestrator runs the chapter generation pipeline: validate the brief, load the story,
// build a prompt, generate with provider fallback, store the chapter, kick off the illustration
// job and assemble the response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storyforge/pkg/config"
	"storyforge/pkg/generation/providers"
	"storyforge/pkg/logx"
	"storyforge/pkg/metrics"
	"storyforge/pkg/story"
)

// Phase names, in execution order.
const (
	PhaseValidate          = "validate"
	PhaseInitializeContext = "initialize_context"
	PhaseFetchContext      = "fetch_context"
	PhaseBuildPrompt       = "build_prompt"
	PhaseGenerateContent   = "generate_content"
	PhasePersistResult     = "persist_result"
	PhaseTriggerSideEffect = "trigger_side_effect"
	PhaseBuildResponse     = "build_response"
)

const (
	defaultSideEffectTimeout = config.DefaultSideEffectTimeout
	tracerName               = "storyforge/orchestrator"
)

// Phases lists every phase in the order Run executes them.
//
//nolint:gochecknoglobals // fixed pipeline order
var Phases = []string{
	PhaseValidate,
	PhaseInitializeContext,
	PhaseFetchContext,
	PhaseBuildPrompt,
	PhaseGenerateContent,
	PhasePersistResult,
	PhaseTriggerSideEffect,
	PhaseBuildResponse,
}

// Dependencies are the collaborators a run uses. SideEffect and Recorder are optional.
type Dependencies struct {
	Validator        Validator
	Sessions         Sessions
	PromptBuilder    PromptBuilder
	Generator        Generator
	SideEffect       SideEffectTrigger
	Recorder         metrics.Recorder
	GenerationConfig providers.GenerationConfig
	// HistoryChapters is how many previous chapters fetch_context loads.
	HistoryChapters   int
	SideEffectTimeout time.Duration
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now in the per-request metrics collector.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithRequestIDs replaces the request ID generator.
func WithRequestIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newID = next }
}

// Response is the result of a successful run.
type Response struct {
	RequestID       string                 `json:"request_id"`
	Chapter         story.Chapter          `json:"chapter"`
	Provider        string                 `json:"provider"`
	FallbackAttempt int                    `json:"fallback_attempt"`
	Metrics         metrics.RequestMetrics `json:"metrics"`
}

// GenerationRequestContext is the state one run accumulates as it moves through the phases.
// It is owned by a single Run and never shared.
type GenerationRequestContext struct {
	RequestID  string
	Caller     story.Caller
	Brief      story.Brief
	Request    story.Request
	Fetcher    DataFetcher
	Story      story.Context
	Prompt     providers.Prompt
	Generation *providers.Generation
	Chapter    story.Chapter
	Metrics    *metrics.Collector
}

// Orchestrator runs chapter generation requests. It is safe for concurrent use.
type Orchestrator struct {
	deps     Dependencies
	recorder metrics.Recorder
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
	logger   *logx.Logger

	sideEffects sync.WaitGroup
}

// New validates deps and returns an orchestrator.
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Validator == nil:
		return nil, errors.New("orchestrator: validator is required")
	case deps.Sessions == nil:
		return nil, errors.New("orchestrator: sessions are required")
	case deps.PromptBuilder == nil:
		return nil, errors.New("orchestrator: prompt builder is required")
	case deps.Generator == nil:
		return nil, errors.New("orchestrator: generator is required")
	case deps.HistoryChapters < 0:
		return nil, fmt.Errorf("orchestrator: history chapters must not be negative, got %d", deps.HistoryChapters)
	}
	if deps.SideEffectTimeout <= 0 {
		deps.SideEffectTimeout = defaultSideEffectTimeout
	}

	o := &Orchestrator{
		deps:     deps,
		recorder: deps.Recorder,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   logx.NewLogger("orchestrator"),
	}
	if o.recorder == nil {
		o.recorder = metrics.Nop()
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run generates, stores and returns the next chapter described by brief.
//
// A failure in any of the first six phases aborts the run with a *PhaseError. The side effect
// in phase seven is started in the background and cannot fail the run.
func (o *Orchestrator) Run(ctx context.Context, caller story.Caller, brief story.Brief) (*Response, error) {
	rc := &GenerationRequestContext{
		RequestID: o.newID(),
		Caller:    caller,
		Brief:     brief,
	}
	rc.Metrics = metrics.NewCollector(rc.RequestID, metrics.WithClock(o.now))
	ctx = logx.WithRequestID(ctx, rc.RequestID)

	ctx, span := o.tracer.Start(ctx, "storyforge.generate_chapter", trace.WithAttributes(
		attribute.String("storyforge.request_id", rc.RequestID),
		attribute.String("storyforge.story_id", brief.StoryID),
	))
	defer span.End()

	steps := []struct {
		name string
		fn   func(context.Context, *GenerationRequestContext) error
	}{
		{PhaseValidate, o.validate},
		{PhaseInitializeContext, o.initializeContext},
		{PhaseFetchContext, o.fetchContext},
		{PhaseBuildPrompt, o.buildPrompt},
		{PhaseGenerateContent, o.generateContent},
		{PhasePersistResult, o.persistResult},
		{PhaseTriggerSideEffect, o.triggerSideEffect},
	}

	for _, step := range steps {
		if err := o.runPhase(ctx, rc, step.name, step.fn); err != nil {
			return nil, o.fail(span, rc, err)
		}
	}

	resp := o.buildResponse(ctx, rc)
	span.SetAttributes(
		attribute.String("storyforge.provider", resp.Provider),
		attribute.Int("storyforge.fallback_attempt", resp.FallbackAttempt),
	)
	o.recorder.ObserveRequest(metrics.OutcomeSuccess, resp.Metrics.Total)
	o.logger.Info("[%s] chapter %d of story %s generated by %s in %s",
		rc.RequestID, resp.Chapter.Number, resp.Chapter.StoryID, resp.Provider, resp.Metrics.Total)
	return resp, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, rc *GenerationRequestContext, name string,
	fn func(context.Context, *GenerationRequestContext) error) error {
	rc.Metrics.StartPhase(name)
	phaseCtx, span := o.tracer.Start(ctx, "storyforge.phase."+name)
	defer span.End()

	err := fn(phaseCtx, rc)
	if rec, ok := rc.Metrics.EndPhase(name); ok {
		o.recorder.ObservePhase(name, rec.Duration)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}

func (o *Orchestrator) fail(span trace.Span, rc *GenerationRequestContext, err error) error {
	phase := rc.Metrics.CurrentPhase()
	pe := &PhaseError{Phase: phase, Category: categorize(phase, err), Err: err}
	final := rc.Metrics.Finish()

	span.RecordError(err)
	span.SetStatus(codes.Error, pe.Error())
	o.recorder.ObserveRequest(string(pe.Category), final.Total)

	if pe.Category == CategoryInvalidInput {
		o.logger.Warn("[%s] %s: %v", rc.RequestID, pe.Error(), err)
	} else {
		o.logger.Error("[%s] %s: %v", rc.RequestID, pe.Error(), err)
	}
	return pe
}

func (o *Orchestrator) validate(ctx context.Context, rc *GenerationRequestContext) error {
	req, err := o.deps.Validator.Validate(ctx, rc.Brief)
	if err != nil {
		return err
	}
	rc.Request = req
	return nil
}

func (o *Orchestrator) initializeContext(ctx context.Context, rc *GenerationRequestContext) error {
	fetcher, err := o.deps.Sessions.Open(ctx, rc.Caller)
	if err != nil {
		return err
	}
	rc.Fetcher = fetcher
	return nil
}

func (o *Orchestrator) fetchContext(ctx context.Context, rc *GenerationRequestContext) error {
	sc, err := rc.Fetcher.FetchContext(ctx, rc.Request.StoryID, story.Selector{HistoryLimit: o.deps.HistoryChapters})
	if err != nil {
		return err
	}
	sc.Choice = rc.Request.Choice
	rc.Story = sc
	rc.Metrics.Record("history_chapters", float64(len(sc.History)))
	return nil
}

func (o *Orchestrator) buildPrompt(_ context.Context, rc *GenerationRequestContext) error {
	prompt, err := o.deps.PromptBuilder.Build(rc.Story, rc.Request)
	if err != nil {
		return fmt.Errorf("build prompt: %w", err)
	}
	rc.Prompt = prompt
	return nil
}

func (o *Orchestrator) generateContent(ctx context.Context, rc *GenerationRequestContext) error {
	cfg := o.deps.GenerationConfig
	cfg.AudienceAge = rc.Request.AudienceAge
	cfg.Language = rc.Request.Language

	gen, err := o.deps.Generator.GenerateContent(ctx, rc.Prompt, cfg)
	if err != nil {
		return err
	}
	rc.Generation = gen
	rc.Metrics.Record("fallback_attempt", float64(gen.Metadata.FallbackAttempt))
	rc.Metrics.Record("tokens_used", float64(gen.Metadata.TokensUsed))
	rc.Metrics.Record("provider_latency_ms", float64(gen.Metadata.ProviderLatency.Milliseconds()))
	return nil
}

func (o *Orchestrator) persistResult(ctx context.Context, rc *GenerationRequestContext) error {
	gen := rc.Generation
	ch, err := rc.Fetcher.Persist(ctx, rc.Story, story.Draft{
		Content:         gen.Content,
		Provider:        gen.Provider.String(),
		Model:           gen.Metadata.Model,
		TokensUsed:      gen.Metadata.TokensUsed,
		FallbackAttempt: gen.Metadata.FallbackAttempt,
	})
	if err != nil {
		return err
	}
	rc.Chapter = ch
	return nil
}

// triggerSideEffect starts the illustration job and returns immediately.
func (o *Orchestrator) triggerSideEffect(ctx context.Context, rc *GenerationRequestContext) error {
	if o.deps.SideEffect == nil {
		return nil
	}
	detached := context.WithoutCancel(ctx)
	requestID, chapterID, hint := rc.RequestID, rc.Chapter.ID, rc.Request.IllustrationHint

	o.sideEffects.Add(1)
	go func() {
		defer o.sideEffects.Done()
		defer func() {
			if r := recover(); r != nil {
				o.sideEffectFailed(requestID, chapterID, fmt.Errorf("panic: %v", r))
			}
		}()

		taskCtx, cancel := context.WithTimeout(detached, o.deps.SideEffectTimeout)
		defer cancel()
		if err := o.deps.SideEffect.Trigger(taskCtx, chapterID, hint); err != nil {
			o.sideEffectFailed(requestID, chapterID, err)
		}
	}()
	return nil
}

func (o *Orchestrator) sideEffectFailed(requestID, chapterID string, err error) {
	o.recorder.IncSideEffectFailure()
	o.logger.Warn("[%s] illustration trigger for chapter %s failed: %v", requestID, chapterID, err)
}

func (o *Orchestrator) buildResponse(ctx context.Context, rc *GenerationRequestContext) *Response {
	rc.Metrics.StartPhase(PhaseBuildResponse)
	_, span := o.tracer.Start(ctx, "storyforge.phase."+PhaseBuildResponse)
	defer span.End()

	resp := &Response{
		RequestID:       rc.RequestID,
		Chapter:         rc.Chapter,
		Provider:        rc.Generation.Provider.String(),
		FallbackAttempt: rc.Generation.Metadata.FallbackAttempt,
	}
	if rec, ok := rc.Metrics.EndPhase(PhaseBuildResponse); ok {
		o.recorder.ObservePhase(PhaseBuildResponse, rec.Duration)
	}
	resp.Metrics = rc.Metrics.Finish()
	return resp
}

// Wait blocks until every side-effect task started so far has finished.
func (o *Orchestrator) Wait() {
	o.sideEffects.Wait()
}

// Shutdown waits for side-effect tasks until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.sideEffects.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("side-effect tasks drained")
		return nil
	case <-ctx.Done():
		o.logger.Warn("side-effect tasks still running at shutdown")
		return ctx.Err()
	}
}
