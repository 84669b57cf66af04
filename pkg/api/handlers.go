package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"storyforge/pkg/generation/providers"
	"storyforge/pkg/logx"
	"storyforge/pkg/story"
)

const (
	defaultChapterLimit = 20
	maxChapterLimit     = 200
	maxLogEntries       = 1000
)

type createStoryRequest struct {
	Title       string `json:"title"`
	Genre       string `json:"genre"`
	Setting     string `json:"setting"`
	AudienceAge int    `json:"audience_age"`
	Language    string `json:"language"`
}

// handleCreateStory implements POST /v1/stories.
func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	var req createStoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidInput)
		return
	}
	st, err := s.stories.CreateStory(r.Context(), callerFrom(r), story.Story{
		Title:       req.Title,
		Genre:       req.Genre,
		Setting:     req.Setting,
		AudienceAge: req.AudienceAge,
		Language:    req.Language,
	})
	if err != nil {
		s.logger.Warn("create story failed: %v", err)
		status, msg := storeStatusFor(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// handleGetStory implements GET /v1/stories/{storyID}.
func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	st, err := s.stories.GetStory(r.Context(), callerFrom(r), chi.URLParam(r, "storyID"))
	if err != nil {
		status, msg := storeStatusFor(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListChapters implements GET /v1/stories/{storyID}/chapters?limit=N.
func (s *Server) handleListChapters(w http.ResponseWriter, r *http.Request) {
	limit := defaultChapterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxChapterLimit {
			writeError(w, http.StatusBadRequest, msgInvalidInput)
			return
		}
		limit = n
	}
	chapters, err := s.stories.Chapters(r.Context(), callerFrom(r), chi.URLParam(r, "storyID"), limit)
	if err != nil {
		status, msg := storeStatusFor(err)
		writeError(w, status, msg)
		return
	}
	if chapters == nil {
		chapters = []story.Chapter{}
	}
	writeJSON(w, http.StatusOK, chapters)
}

// handleGenerateChapter implements POST /v1/stories/{storyID}/chapters.
func (s *Server) handleGenerateChapter(w http.ResponseWriter, r *http.Request) {
	var brief story.Brief
	if err := decodeJSON(w, r, &brief); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidInput)
		return
	}
	brief.StoryID = chi.URLParam(r, "storyID")

	resp, err := s.runner.Run(r.Context(), callerFrom(r), brief)
	if err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleProviders implements GET /v1/providers.
func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	if s.providers == nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.providers.Status())
}

// handleResetProvider implements POST /v1/providers/{provider}/reset.
func (s *Server) handleResetProvider(w http.ResponseWriter, r *http.Request) {
	id, err := providers.ParseID(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidInput)
		return
	}
	if s.providers == nil || s.providers.ResetBreaker(id) != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": id.String(), "state": "CLOSED"})
}

// handleLogs implements GET /debug/logs?component=&level=&since=.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var since time.Time
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, msgInvalidInput)
			return
		}
		since = parsed
	}
	level := logx.Level("")
	if raw := query.Get("level"); raw != "" {
		level = logx.ParseLevel(raw)
	}

	logs := logx.GetRecentLogEntries(query.Get("component"), level, since)
	if len(logs) > maxLogEntries {
		logs = logs[len(logs)-maxLogEntries:]
	}
	writeJSON(w, http.StatusOK, logs)
}
