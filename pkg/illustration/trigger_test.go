package illustration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerPushesJob(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	trigger := NewRedisTrigger(client, "")
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	trigger.now = func() time.Time { return fixed }

	require.NoError(t, trigger.Ping(context.Background()))
	require.NoError(t, trigger.Trigger(context.Background(), "chapter-1", "a fox with a lantern"))
	require.NoError(t, trigger.Trigger(context.Background(), "chapter-2", ""))

	items, err := mr.List(DefaultQueue)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var job Job
	require.NoError(t, json.Unmarshal([]byte(items[0]), &job))
	assert.Equal(t, "chapter-1", job.ChapterID)
	assert.Equal(t, "a fox with a lantern", job.Hint)
	assert.True(t, job.RequestedAt.Equal(fixed))
	assert.NotContains(t, items[1], "hint")
}

func TestTriggerErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	trigger := NewRedisTrigger(client, "custom")
	assert.Equal(t, "custom", trigger.Queue())
	assert.Error(t, trigger.Trigger(context.Background(), "", "hint"))

	mr.Close()
	assert.Error(t, trigger.Trigger(context.Background(), "chapter-1", ""))

	var unset *RedisTrigger
	assert.Error(t, unset.Trigger(context.Background(), "chapter-1", ""))
}
