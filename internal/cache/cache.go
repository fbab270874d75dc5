// Package cache holds analysis results in Redis with a per-entry TTL.
//
// Lookups and writes never fail the caller. A Redis error is logged and read
// as a miss (Get) or dropped (Set). The in-flight markers used to collapse
// concurrent identical analyses do report errors, so the caller can choose
// how to degrade.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix      = "analysis:"
	inflightPrefix = "inflight:"
)

// releaseScript deletes a marker only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type Store struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func New(rdb redis.UniversalClient, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, logger: logger}
}

// Key derives the cache key for an analysis input. A URL, when present,
// identifies the input on its own. The text is hashed byte for byte.
func Key(text, url string) string {
	canonical := "text:" + text
	if url != "" {
		canonical = "url:" + url
	}
	sum := sha256.Sum256([]byte(canonical))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	payload, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("cache get failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}
	return payload, true
}

func (s *Store) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if err := s.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		s.logger.Warn("cache set failed, skipping write", "key", key, "error", err)
	}
}

// Claim places a short-lived in-flight marker for key. It reports false when
// another owner already holds the marker. The returned token is needed to
// release it.
func (s *Store) Claim(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, inflightPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim in-flight marker %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release removes the marker for key if token still owns it.
func (s *Store) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{inflightPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("release in-flight marker %s: %w", key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
