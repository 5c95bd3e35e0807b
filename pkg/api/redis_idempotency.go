package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore provides idempotency enforcement shared across
// replicas, backed by Redis with native TTL expiry.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store
// from a redis:// URL.
func NewRedisIdempotencyStore(url string, ttl time.Duration) (*RedisIdempotencyStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisIdempotencyStore{
		client: redis.NewClient(opts),
		ttl:    ttl,
	}, nil
}

func (s *RedisIdempotencyStore) key(key string) string {
	return "idempotency:" + key
}

// Check returns a cached response if the idempotency key was seen
// before. Redis handles expiry, so no TTL check happens here.
func (s *RedisIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		return nil, false
	}

	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

// Set stores an idempotency key and its response with the store TTL.
// Failures are logged but not surfaced; idempotency is best effort.
func (s *RedisIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(&cachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now(),
	})
	if err != nil {
		slog.Error("idempotency: marshal cached response", "key", key, "error", err)
		return
	}
	if err := s.client.Set(ctx, s.key(key), raw, s.ttl).Err(); err != nil {
		slog.Error("idempotency: set key", "key", key, "error", err)
	}
}

// Close releases the underlying Redis connection.
func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}
