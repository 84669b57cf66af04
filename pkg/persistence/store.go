// Package persistence stores stories and generated chapters in SQLite or PostgreSQL.
//
// Both backends share one Store front end, so ownership checks and ID assignment behave
// identically regardless of the driver.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyforge/pkg/logx"
	"storyforge/pkg/orchestrator"
	"storyforge/pkg/story"
)

// backend is the driver-specific part of a Store.
type backend interface {
	insertStory(ctx context.Context, s *story.Story) error
	loadStory(ctx context.Context, ownerID, storyID string) (story.Story, error)
	recentChapters(ctx context.Context, storyID string, limit int) ([]story.Chapter, error)
	chapterCount(ctx context.Context, storyID string) (int, error)
	// insertChapter assigns ch.Number as the next number for the story.
	insertChapter(ctx context.Context, ch *story.Chapter, fallbackAttempt int) error
	close() error
}

// Store is the chapter store. It implements orchestrator.Sessions.
type Store struct {
	b      backend
	now    func() time.Time
	logger *logx.Logger
}

func newStore(b backend, component string) *Store {
	return &Store{b: b, now: time.Now, logger: logx.NewLogger(component)}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.b.close()
}

// CreateStory stores a new story owned by caller and returns it with its ID.
func (s *Store) CreateStory(ctx context.Context, caller story.Caller, st story.Story) (story.Story, error) {
	if err := requireCaller(caller); err != nil {
		return story.Story{}, err
	}
	st.Title = strings.TrimSpace(st.Title)
	if st.Title == "" {
		return story.Story{}, &story.ValidationError{Field: "title", Message: "is required"}
	}
	st.ID = uuid.NewString()
	st.OwnerID = caller.UserID
	st.CreatedAt = s.now().UTC()

	if err := s.b.insertStory(ctx, &st); err != nil {
		return story.Story{}, fmt.Errorf("insert story: %w", err)
	}
	s.logger.Info("story %s created for %s", st.ID, caller.UserID)
	return st, nil
}

// GetStory returns a story owned by caller.
func (s *Store) GetStory(ctx context.Context, caller story.Caller, storyID string) (story.Story, error) {
	if err := requireCaller(caller); err != nil {
		return story.Story{}, err
	}
	return s.b.loadStory(ctx, caller.UserID, storyID)
}

// Chapters returns up to limit of the most recent chapters of a story owned by caller, oldest first.
func (s *Store) Chapters(ctx context.Context, caller story.Caller, storyID string, limit int) ([]story.Chapter, error) {
	if _, err := s.GetStory(ctx, caller, storyID); err != nil {
		return nil, err
	}
	return s.b.recentChapters(ctx, storyID, limit)
}

// Open returns a DataFetcher that only sees the caller's stories.
func (s *Store) Open(_ context.Context, caller story.Caller) (orchestrator.DataFetcher, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return &session{store: s, caller: caller}, nil
}

func requireCaller(caller story.Caller) error {
	if strings.TrimSpace(caller.UserID) == "" {
		return &story.ValidationError{Field: "caller", Message: "user id is required"}
	}
	return nil
}

type session struct {
	store  *Store
	caller story.Caller
}

func (ss *session) FetchContext(ctx context.Context, storyID string, sel story.Selector) (story.Context, error) {
	st, err := ss.store.b.loadStory(ctx, ss.caller.UserID, storyID)
	if err != nil {
		return story.Context{}, err
	}

	var history []story.Chapter
	if sel.HistoryLimit > 0 {
		history, err = ss.store.b.recentChapters(ctx, storyID, sel.HistoryLimit)
		if err != nil {
			return story.Context{}, fmt.Errorf("load chapters: %w", err)
		}
	}

	count, err := ss.store.b.chapterCount(ctx, storyID)
	if err != nil {
		return story.Context{}, fmt.Errorf("count chapters: %w", err)
	}

	return story.Context{
		Story:       st,
		History:     history,
		NextNumber:  count + 1,
		RequestedBy: ss.caller.UserID,
	}, nil
}

func (ss *session) Persist(ctx context.Context, sc story.Context, draft story.Draft) (story.Chapter, error) {
	if sc.Story.ID == "" || sc.Story.OwnerID != ss.caller.UserID {
		return story.Chapter{}, story.ErrNotFound
	}

	ch := story.Chapter{
		ID:         uuid.NewString(),
		StoryID:    sc.Story.ID,
		Choice:     sc.Choice,
		Content:    draft.Content,
		Provider:   draft.Provider,
		Model:      draft.Model,
		TokensUsed: draft.TokensUsed,
		CreatedAt:  ss.store.now().UTC(),
	}
	if err := ss.store.b.insertChapter(ctx, &ch, draft.FallbackAttempt); err != nil {
		return story.Chapter{}, fmt.Errorf("insert chapter: %w", err)
	}
	ss.store.logger.Debug("chapter %d of story %s stored as %s", ch.Number, ch.StoryID, ch.ID)
	return ch, nil
}
