// Package illustration hands finished chapters to the illustration pipeline.
package illustration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"storyforge/pkg/logx"
)

// DefaultQueue is the Redis list illustration workers consume from.
const DefaultQueue = "storyforge:illustrations"

// Job is the payload pushed for each chapter.
type Job struct {
	ChapterID   string    `json:"chapter_id"`
	Hint        string    `json:"hint,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// RedisTrigger enqueues illustration jobs on a Redis list.
type RedisTrigger struct {
	client *redis.Client
	queue  string
	now    func() time.Time
	logger *logx.Logger
}

// NewRedisTrigger returns a trigger pushing to queue, or DefaultQueue when queue is blank.
func NewRedisTrigger(client *redis.Client, queue string) *RedisTrigger {
	if strings.TrimSpace(queue) == "" {
		queue = DefaultQueue
	}
	return &RedisTrigger{
		client: client,
		queue:  queue,
		now:    time.Now,
		logger: logx.NewLogger("illustration"),
	}
}

// Queue returns the list name jobs are pushed to.
func (t *RedisTrigger) Queue() string {
	return t.queue
}

// Trigger enqueues one job for chapterID.
func (t *RedisTrigger) Trigger(ctx context.Context, chapterID, hint string) error {
	if t == nil || t.client == nil {
		return errors.New("illustration trigger is not configured")
	}
	if chapterID == "" {
		return errors.New("chapter id is required")
	}

	data, err := json.Marshal(Job{ChapterID: chapterID, Hint: hint, RequestedAt: t.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode illustration job: %w", err)
	}
	if err := t.client.RPush(ctx, t.queue, data).Err(); err != nil {
		return fmt.Errorf("enqueue illustration job for %s: %w", chapterID, err)
	}
	t.logger.Debug("illustration queued for chapter %s", chapterID)
	return nil
}

// Ping checks the Redis connection.
func (t *RedisTrigger) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}
