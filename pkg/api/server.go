// Package api exposes chapter generation and provider health over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"storyforge/pkg/generation/providers"
	"storyforge/pkg/logx"
	"storyforge/pkg/orchestrator"
	"storyforge/pkg/story"
	"storyforge/pkg/version"
)

// CallerHeader carries the caller identity. Authentication happens upstream of this service.
const CallerHeader = "X-User-ID"

const maxBodyBytes = 64 << 10

// Public error messages. Causes are logged, never returned.
const (
	msgInvalidInput = "invalid input"
	msgUnavailable  = "temporarily unavailable, retry later"
	msgInternal     = "internal error"
	msgNotFound     = "not found"
	msgNoCaller     = "missing " + CallerHeader + " header"
)

// ChapterRunner generates chapters. *orchestrator.Orchestrator implements it.
type ChapterRunner interface {
	Run(ctx context.Context, caller story.Caller, brief story.Brief) (*orchestrator.Response, error)
}

// StoryStore manages stories. *persistence.Store implements it.
type StoryStore interface {
	CreateStory(ctx context.Context, caller story.Caller, st story.Story) (story.Story, error)
	GetStory(ctx context.Context, caller story.Caller, storyID string) (story.Story, error)
	Chapters(ctx context.Context, caller story.Caller, storyID string, limit int) ([]story.Chapter, error)
}

// ProviderDirectory reports and resets provider breakers. *providers.Manager implements it.
type ProviderDirectory interface {
	Status() []providers.ProviderStatus
	ResetBreaker(id providers.ID) error
}

// Config wires the server's collaborators. Metrics may be nil.
type Config struct {
	Runner    ChapterRunner
	Stories   StoryStore
	Providers ProviderDirectory
	Metrics   http.Handler
}

// Server serves the HTTP API.
type Server struct {
	runner    ChapterRunner
	stories   StoryStore
	providers ProviderDirectory
	metrics   http.Handler
	logger    *logx.Logger
}

// NewServer creates a server.
func NewServer(cfg Config) *Server {
	return &Server{
		runner:    cfg.Runner,
		stories:   cfg.Stories,
		providers: cfg.Providers,
		metrics:   cfg.Metrics,
		logger:    logx.NewLogger("api"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Get("/debug/logs", s.handleLogs)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/providers", s.handleProviders)
		r.Post("/providers/{provider}/reset", s.handleResetProvider)

		r.Group(func(r chi.Router) {
			r.Use(requireCaller)
			r.Post("/stories", s.handleCreateStory)
			r.Get("/stories/{storyID}", s.handleGetStory)
			r.Get("/stories/{storyID}/chapters", s.handleListChapters)
			r.Post("/stories/{storyID}/chapters", s.handleGenerateChapter)
		})
	})
	return r
}

type callerKey struct{}

func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(CallerHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, msgNoCaller)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, story.Caller{UserID: userID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(r *http.Request) story.Caller {
	caller, _ := r.Context().Value(callerKey{}).(story.Caller)
	return caller
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("%s %s -> %d in %s [%s]", r.Method, r.URL.Path, ww.Status(), time.Since(start),
			middleware.GetReqID(r.Context()))
	})
}

// statusFor maps a failed run to an HTTP status and public message.
func statusFor(err error) (int, string) {
	switch orchestrator.CategoryOf(err) {
	case orchestrator.CategoryInvalidInput:
		return http.StatusBadRequest, msgInvalidInput
	case orchestrator.CategoryUnavailable:
		return http.StatusServiceUnavailable, msgUnavailable
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// storeStatusFor maps a direct store error.
func storeStatusFor(err error) (int, string) {
	var verr *story.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, msgInvalidInput
	case errors.Is(err, story.ErrNotFound):
		return http.StatusNotFound, msgNotFound
	default:
		return http.StatusServiceUnavailable, msgUnavailable
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	available := 0
	if s.providers != nil {
		for _, st := range s.providers.Status() {
			if st.Available {
				available++
			}
		}
	}
	status := "ok"
	if available == 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              status,
		"version":             version.Version,
		"available_providers": available,
	})
}
