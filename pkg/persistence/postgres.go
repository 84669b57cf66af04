package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"storyforge/pkg/story"
)

// PgxPool is the subset of *pgxpool.Pool the Postgres store uses.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

//nolint:gochecknoglobals // static DDL
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		genre TEXT NOT NULL DEFAULT '',
		setting TEXT NOT NULL DEFAULT '',
		audience_age INTEGER NOT NULL DEFAULT 0,
		language TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chapters (
		id TEXT PRIMARY KEY,
		story_id TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
		number INTEGER NOT NULL,
		choice TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		fallback_attempt INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (story_id, number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stories_owner ON stories(owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chapters_story ON chapters(story_id, number)`,
}

// ConnectPostgres opens a pgx pool for dsn, creates the schema if missing and returns the store.
func ConnectPostgres(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool PgxPool) (*Store, error) {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create postgres schema: %w", err)
		}
	}
	store := newStore(&postgresBackend{pool: pool}, "persistence/postgres")
	store.logger.Info("postgres schema ready")
	return store, nil
}

type postgresBackend struct {
	pool PgxPool
}

func (b *postgresBackend) insertStory(ctx context.Context, s *story.Story) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO stories (id, owner_id, title, genre, setting, audience_age, language, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.OwnerID, s.Title, s.Genre, s.Setting, s.AudienceAge, s.Language, s.CreatedAt)
	return err
}

func (b *postgresBackend) loadStory(ctx context.Context, ownerID, storyID string) (story.Story, error) {
	var s story.Story
	err := b.pool.QueryRow(ctx, `
		SELECT id, owner_id, title, genre, setting, audience_age, language, created_at
		FROM stories WHERE id = $1 AND owner_id = $2`, storyID, ownerID).
		Scan(&s.ID, &s.OwnerID, &s.Title, &s.Genre, &s.Setting, &s.AudienceAge, &s.Language, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return story.Story{}, story.ErrNotFound
	}
	if err != nil {
		return story.Story{}, fmt.Errorf("load story %s: %w", storyID, err)
	}
	return s, nil
}

func (b *postgresBackend) recentChapters(ctx context.Context, storyID string, limit int) ([]story.Chapter, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, story_id, number, choice, content, provider, model, tokens_used, created_at
		FROM chapters WHERE story_id = $1
		ORDER BY number DESC LIMIT $2`, storyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chapters []story.Chapter
	for rows.Next() {
		var ch story.Chapter
		if err := rows.Scan(&ch.ID, &ch.StoryID, &ch.Number, &ch.Choice, &ch.Content,
			&ch.Provider, &ch.Model, &ch.TokensUsed, &ch.CreatedAt); err != nil {
			return nil, err
		}
		chapters = append(chapters, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(chapters)
	return chapters, nil
}

func (b *postgresBackend) chapterCount(ctx context.Context, storyID string) (int, error) {
	var n int
	err := b.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chapters WHERE story_id = $1`, storyID).Scan(&n)
	return n, err
}

func (b *postgresBackend) insertChapter(ctx context.Context, ch *story.Chapter, fallbackAttempt int) error {
	return b.pool.QueryRow(ctx, `
		INSERT INTO chapters (id, story_id, number, choice, content, provider, model, tokens_used, fallback_attempt, created_at)
		SELECT $1::text, $2::text, COALESCE(MAX(number), 0) + 1, $3::text, $4::text, $5::text, $6::text, $7::int, $8::int, $9::timestamptz
		FROM chapters WHERE story_id = $2::text
		RETURNING number`,
		ch.ID, ch.StoryID, ch.Choice, ch.Content, ch.Provider, ch.Model, ch.TokensUsed, fallbackAttempt, ch.CreatedAt).
		Scan(&ch.Number)
}

func (b *postgresBackend) close() error {
	b.pool.Close()
	return nil
}
