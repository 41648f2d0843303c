package httpmiddleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"rollcall/internal/apperr"
	"rollcall/internal/response"
)

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// KeyFunc extracts the rate limit key from a request.
type KeyFunc func(c *gin.Context) string

// ClientIPKey keys requests by client address.
func ClientIPKey(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// RateLimit rejects requests with 429 once the limiter denies them.
// Limiter failures let the request through; the limiter is a guard, not a dependency.
func RateLimit(l Limiter, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIPKey
	}
	return func(c *gin.Context) {
		ok, err := l.Allow(c.Request.Context(), key(c))
		if err != nil {
			_ = c.Error(err)
			c.Next()
			return
		}
		if !ok {
			response.Abort(c, apperr.ErrRateLimited)
			return
		}
		c.Next()
	}
}

// TokenBucket is an in-memory per-key limiter refilled at perMinute tokens per minute.
type TokenBucket struct {
	capacity  float64
	perMinute float64
	now       func() time.Time

	mu    sync.Mutex
	state map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket creates a limiter with capacity tokens and a refill rate per minute.
func NewTokenBucket(capacity, perMinute int) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &TokenBucket{
		capacity:  float64(capacity),
		perMinute: float64(perMinute),
		now:       time.Now,
		state:     make(map[string]*bucket),
	}
}

// Allow consumes one token for key.
func (l *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true, nil
	}
	b.tokens += now.Sub(b.last).Minutes() * l.perMinute
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.last = now
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RedisWindow is a fixed one-minute window limiter shared by every API replica.
type RedisWindow struct {
	client    *redis.Client
	prefix    string
	perMinute int64
	now       func() time.Time
}

// NewRedisWindow builds a limiter on INCR + EXPIRE.
func NewRedisWindow(client *redis.Client, prefix string, perMinute int) *RedisWindow {
	if prefix == "" {
		prefix = "attendance:ratelimit"
	}
	return &RedisWindow{client: client, prefix: prefix, perMinute: int64(perMinute), now: time.Now}
}

// Allow counts the request in the current minute window.
func (l *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	window := l.now().Unix() / 60
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	return incr.Val() <= l.perMinute, nil
}
