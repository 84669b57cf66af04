package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"storyforge/pkg/story"
)

// CurrentSchemaVersion defines the current SQLite schema version.
const CurrentSchemaVersion = 1

const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// OpenSQLite opens (creating if needed) a SQLite chapter store at path.
func OpenSQLite(path string) (*Store, error) {
	// Open database connection with WAL mode and busy timeout
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := newStore(&sqliteBackend{db: db}, "persistence/sqlite")
	store.logger.Info("database initialized: %s", path)
	return store, nil
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return fmt.Errorf("database schema version %d is not supported (want %d)", currentVersion, CurrentSchemaVersion)
}

// createSchema creates all tables at the current version.
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stories (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			genre TEXT NOT NULL DEFAULT '',
			setting TEXT NOT NULL DEFAULT '',
			audience_age INTEGER NOT NULL DEFAULT 0,
			language TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
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
			created_at TEXT NOT NULL,
			UNIQUE (story_id, number)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_stories_owner ON stories(owner_id)",
		"CREATE INDEX IF NOT EXISTS idx_chapters_story ON chapters(story_id, number)",
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return setSchemaVersion(db, CurrentSchemaVersion)
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}

type sqliteBackend struct {
	db *sql.DB
}

func (b *sqliteBackend) insertStory(ctx context.Context, s *story.Story) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO stories (id, owner_id, title, genre, setting, audience_age, language, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OwnerID, s.Title, s.Genre, s.Setting, s.AudienceAge, s.Language, s.CreatedAt.Format(sqliteTimeFormat))
	return err
}

func (b *sqliteBackend) loadStory(ctx context.Context, ownerID, storyID string) (story.Story, error) {
	var (
		s       story.Story
		created string
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, genre, setting, audience_age, language, created_at
		FROM stories WHERE id = ? AND owner_id = ?`, storyID, ownerID).
		Scan(&s.ID, &s.OwnerID, &s.Title, &s.Genre, &s.Setting, &s.AudienceAge, &s.Language, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return story.Story{}, story.ErrNotFound
	}
	if err != nil {
		return story.Story{}, fmt.Errorf("load story %s: %w", storyID, err)
	}
	s.CreatedAt, err = time.Parse(sqliteTimeFormat, created)
	if err != nil {
		return story.Story{}, fmt.Errorf("parse created_at of story %s: %w", storyID, err)
	}
	return s, nil
}

func (b *sqliteBackend) recentChapters(ctx context.Context, storyID string, limit int) ([]story.Chapter, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, story_id, number, choice, content, provider, model, tokens_used, created_at
		FROM chapters WHERE story_id = ?
		ORDER BY number DESC LIMIT ?`, storyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chapters []story.Chapter
	for rows.Next() {
		var (
			ch      story.Chapter
			created string
		)
		if err := rows.Scan(&ch.ID, &ch.StoryID, &ch.Number, &ch.Choice, &ch.Content,
			&ch.Provider, &ch.Model, &ch.TokensUsed, &created); err != nil {
			return nil, err
		}
		if ch.CreatedAt, err = time.Parse(sqliteTimeFormat, created); err != nil {
			return nil, fmt.Errorf("parse created_at of chapter %s: %w", ch.ID, err)
		}
		chapters = append(chapters, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(chapters)
	return chapters, nil
}

func (b *sqliteBackend) chapterCount(ctx context.Context, storyID string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chapters WHERE story_id = ?`, storyID).Scan(&n)
	return n, err
}

func (b *sqliteBackend) insertChapter(ctx context.Context, ch *story.Chapter, fallbackAttempt int) error {
	return b.db.QueryRowContext(ctx, `
		INSERT INTO chapters (id, story_id, number, choice, content, provider, model, tokens_used, fallback_attempt, created_at)
		SELECT ?, ?, COALESCE(MAX(number), 0) + 1, ?, ?, ?, ?, ?, ?, ?
		FROM chapters WHERE story_id = ?
		RETURNING number`,
		ch.ID, ch.StoryID, ch.Choice, ch.Content, ch.Provider, ch.Model, ch.TokensUsed, fallbackAttempt,
		ch.CreatedAt.Format(sqliteTimeFormat), ch.StoryID).Scan(&ch.Number)
}

func (b *sqliteBackend) close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func reverse(chapters []story.Chapter) {
	for i, j := 0, len(chapters)-1; i < j; i, j = i+1, j-1 {
		chapters[i], chapters[j] = chapters[j], chapters[i]
	}
}
