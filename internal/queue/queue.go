package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TypeSessionExpire asks a consumer to end an overdue session.
const TypeSessionExpire = "session.expire"

// DefaultKey is the Redis list used when none is configured.
const DefaultKey = "attendance:sessions"

// Message is one unit of background work for the session worker.
type Message struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// SessionExpire builds an expiry message for sessionID.
func SessionExpire(sessionID string, at time.Time) Message {
	return Message{Type: TypeSessionExpire, SessionID: sessionID, EnqueuedAt: at.UTC()}
}

// Queue carries worker messages between the sweeper and its consumers.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory keeps messages in a buffered channel. Only usable inside one process.
type InMemory struct {
	ch chan Message
}

// NewInMemory returns a queue holding at most size pending messages.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message, blocking while the buffer is full.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers. It closes when ctx ends.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue stores JSON messages in a Redis list so several workers can share it.
type RedisQueue struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

// NewRedisQueue pushes with LPUSH and pops with BRPOP, giving FIFO order.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key, timeout: 5 * time.Second}
}

// Publish enqueues a message as JSON.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

// Consume streams messages using BRPOP. Undecodable entries are dropped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, q.timeout, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// New picks the backend named by QUEUE_BACKEND. client may be nil for "memory".
func New(backend string, client *redis.Client) Queue {
	if backend == "memory" || client == nil {
		return NewInMemory(256)
	}
	return NewRedisQueue(client, DefaultKey)
}
