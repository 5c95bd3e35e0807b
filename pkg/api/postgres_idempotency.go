package api

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// PostgresIdempotencyStore provides durable idempotency enforcement
// backed by PostgreSQL, surviving process restarts.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotencyStore creates a PostgreSQL-backed idempotency
// store, creating its table if needed.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) (*PostgresIdempotencyStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key         TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		headers     JSONB NOT NULL,
		body        BYTEA NOT NULL,
		cached_at   TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return nil, err
	}
	return &PostgresIdempotencyStore{db: db, ttl: ttl}, nil
}

// Check returns a cached response if the idempotency key was seen before and is within TTL.
func (s *PostgresIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	var statusCode int
	var headers []byte
	var body []byte
	var cachedAt time.Time

	err := s.db.QueryRow(
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &headers, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	// Check TTL
	if time.Since(cachedAt) > s.ttl {
		// Expired: delete and return a miss.
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	if err := json.Unmarshal(headers, &hdr); err != nil {
		hdr = make(http.Header)
		hdr.Set("Content-Type", "application/json")
	}

	return &cachedResponse{
		StatusCode: statusCode,
		Headers:    hdr,
		Body:       body,
		CachedAt:   cachedAt,
	}, true
}

// Set stores an idempotency key and its response.
func (s *PostgresIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	hdr, err := json.Marshal(headers)
	if err != nil {
		hdr = []byte("{}")
	}
	_, err = s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, cached_at = NOW()`,
		key, statusCode, hdr, body,
	)
	if err != nil {
		slog.Error("idempotency: failed to set key", "key", key, "error", err)
	}
}

// Cleanup removes expired idempotency keys older than the TTL.
func (s *PostgresIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		time.Now().Add(-s.ttl),
	)
}
