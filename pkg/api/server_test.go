package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"storyforge/pkg/generation/circuit"
	"storyforge/pkg/generation/providers"
	"storyforge/pkg/logx"
	"storyforge/pkg/orchestrator"
	"storyforge/pkg/story"
)

type fakeRunner struct {
	caller story.Caller
	brief  story.Brief
	err    error
}

func (f *fakeRunner) Run(_ context.Context, caller story.Caller, brief story.Brief) (*orchestrator.Response, error) {
	f.caller, f.brief = caller, brief
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.Response{
		RequestID: "req-1",
		Chapter:   story.Chapter{ID: "chapter-1", StoryID: brief.StoryID, Number: 1, Content: "Once upon a time"},
		Provider:  "anthropic",
	}, nil
}

type fakeStore struct {
	stories map[string]story.Story
}

func (f *fakeStore) CreateStory(_ context.Context, caller story.Caller, st story.Story) (story.Story, error) {
	if st.Title == "" {
		return story.Story{}, &story.ValidationError{Field: "title", Message: "is required"}
	}
	st.ID = "story-1"
	st.OwnerID = caller.UserID
	f.stories[st.ID] = st
	return st, nil
}

func (f *fakeStore) GetStory(_ context.Context, caller story.Caller, storyID string) (story.Story, error) {
	st, ok := f.stories[storyID]
	if !ok || st.OwnerID != caller.UserID {
		return story.Story{}, story.ErrNotFound
	}
	return st, nil
}

func (f *fakeStore) Chapters(ctx context.Context, caller story.Caller, storyID string, _ int) ([]story.Chapter, error) {
	if _, err := f.GetStory(ctx, caller, storyID); err != nil {
		return nil, err
	}
	return nil, nil
}

func newTestServer(t *testing.T, runner *fakeRunner) (*httptest.Server, *providers.Manager) {
	t.Helper()
	ok := providers.AdapterFunc(func(context.Context, providers.Prompt, providers.GenerationConfig) (providers.Result, error) {
		return providers.Result{Content: "text"}, nil
	})
	manager, err := providers.NewManager([]providers.Entry{
		{ID: providers.Anthropic, Adapter: ok},
		{ID: providers.Ollama, Adapter: ok},
	}, providers.Options{Breaker: circuit.Config{FailureThreshold: 1, ResetTimeout: time.Minute, MonitoringPeriod: 5 * time.Minute}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	srv := NewServer(Config{
		Runner:    runner,
		Stories:   &fakeStore{stories: map[string]story.Story{}},
		Providers: manager,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, manager
}

func do(t *testing.T, method, url, user, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if user != "" {
		req.Header.Set(CallerHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestGenerateChapter(t *testing.T) {
	runner := &fakeRunner{}
	ts, _ := newTestServer(t, runner)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/stories/story-9/chapters", "reader-1",
		`{"story_id":"ignored","choice":"open the door","audience_age":8}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", resp.StatusCode, body)
	}
	if runner.caller.UserID != "reader-1" || runner.brief.StoryID != "story-9" || runner.brief.Choice != "open the door" {
		t.Errorf("unexpected run input: %+v %+v", runner.caller, runner.brief)
	}
	if body["request_id"] != "req-1" || body["provider"] != "anthropic" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestGenerateChapterErrorMapping(t *testing.T) {
	cause := errors.New("postgres: connection reset by peer at 10.0.0.3")
	tests := []struct {
		category orchestrator.Category
		status   int
		message  string
	}{
		{orchestrator.CategoryInvalidInput, http.StatusBadRequest, "invalid input"},
		{orchestrator.CategoryUnavailable, http.StatusServiceUnavailable, "temporarily unavailable, retry later"},
		{orchestrator.CategoryInternal, http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			runner := &fakeRunner{err: &orchestrator.PhaseError{Phase: "persist_result", Category: tt.category, Err: cause}}
			ts, _ := newTestServer(t, runner)

			resp, body := do(t, http.MethodPost, ts.URL+"/v1/stories/story-1/chapters", "reader-1", `{}`)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			if body["error"] != tt.message {
				t.Errorf("expected %q, got %v", tt.message, body["error"])
			}
		})
	}
}

func TestRequestValidation(t *testing.T) {
	ts, _ := newTestServer(t, &fakeRunner{})

	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/stories/story-1/chapters", "", `{}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without caller, got %d", resp.StatusCode)
	}

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/stories/story-1/chapters", "reader-1", `{not json`)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid input" {
		t.Errorf("expected 400 for malformed body, got %d %v", resp.StatusCode, body)
	}
}

func TestStoryEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &fakeRunner{})

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/stories", "reader-1", `{"title":"Moon Garden","genre":"fantasy"}`)
	if resp.StatusCode != http.StatusCreated || body["id"] != "story-1" {
		t.Fatalf("expected created story, got %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/stories", "reader-1", `{"genre":"fantasy"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing title, got %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/stories/story-1", "reader-1", "")
	if resp.StatusCode != http.StatusOK || body["title"] != "Moon Garden" {
		t.Errorf("expected story, got %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/stories/story-1", "someone-else", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for foreign story, got %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/stories/story-1/chapters?limit=abc", "reader-1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+"/v1/stories/story-1/chapters", http.NoBody)
	req.Header.Set(CallerHeader, "reader-1")
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list chapters: %v", err)
	}
	defer raw.Body.Close()
	var chapters []story.Chapter
	if err := json.NewDecoder(raw.Body).Decode(&chapters); err != nil || chapters == nil {
		t.Errorf("expected an empty JSON array, got %v (%v)", chapters, err)
	}
}

func TestProvidersAndReset(t *testing.T) {
	ts, manager := newTestServer(t, &fakeRunner{})
	manager.Breaker(providers.Anthropic).RecordFailure()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+"/v1/providers", http.NoBody)
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/providers: %v", err)
	}
	defer raw.Body.Close()
	var statuses []providers.ProviderStatus
	if err := json.NewDecoder(raw.Body).Decode(&statuses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(statuses) != 2 || statuses[0].Provider != "anthropic" || statuses[0].Available {
		t.Fatalf("expected anthropic unavailable first, got %+v", statuses)
	}

	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/providers/anthropic/reset", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from reset, got %d", resp.StatusCode)
	}
	if manager.Breaker(providers.Anthropic).State() != circuit.Closed {
		t.Error("breaker should be closed after reset")
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/providers/unknown/reset", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown provider, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/providers/google/reset", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unconfigured provider, got %d", resp.StatusCode)
	}
}

func TestHealthMetricsAndLogs(t *testing.T) {
	ts, _ := newTestServer(t, &fakeRunner{})
	logx.NewLogger("api-test").Warn("health check marker")

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("unexpected health response %d %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+"/metrics", http.NoBody)
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusOK {
		t.Errorf("expected metrics handler to be mounted, got %d", raw.StatusCode)
	}

	req, _ = http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+"/debug/logs?component=api-test&level=warn", http.NoBody)
	raw, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /debug/logs: %v", err)
	}
	defer raw.Body.Close()
	var entries []logx.LogEntry
	if err := json.NewDecoder(raw.Body).Decode(&entries); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(entries) == 0 || !strings.Contains(entries[len(entries)-1].Message, "health check marker") {
		t.Errorf("expected the marker entry, got %+v", entries)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/debug/logs?since=yesterday", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad since, got %d", resp.StatusCode)
	}
}
