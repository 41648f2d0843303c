package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(4)
	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	require.NoError(t, q.Publish(ctx, SessionExpire("sess-1", at)))
	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := receive(t, ch)
	assert.Equal(t, TypeSessionExpire, msg.Type)
	assert.Equal(t, "sess-1", msg.SessionID)

	cancel()
	_, ok := <-ch
	assert.False(t, ok, "consumer closes after cancel")
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), SessionExpire("a", time.Now())))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, SessionExpire("b", time.Now())), context.DeadlineExceeded)
}

func TestRedisQueueFIFO(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := NewRedisQueue(client, "")
	q.timeout = 100 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	require.NoError(t, q.Publish(ctx, SessionExpire("sess-1", at)))
	require.NoError(t, q.Publish(ctx, SessionExpire("sess-2", at)))
	require.NoError(t, client.LPush(ctx, DefaultKey, "not json").Err())
	require.NoError(t, q.Publish(ctx, SessionExpire("sess-3", at)))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	for _, want := range []string{"sess-1", "sess-2", "sess-3"} {
		msg := receive(t, ch)
		assert.Equal(t, want, msg.SessionID)
		assert.True(t, at.Equal(msg.EnqueuedAt))
	}
}

func TestNewPicksBackend(t *testing.T) {
	assert.IsType(t, &InMemory{}, New("memory", nil))
	assert.IsType(t, &InMemory{}, New("redis", nil), "no client falls back to memory")

	client := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	defer client.Close()
	assert.IsType(t, &RedisQueue{}, New("redis", client))
}
