package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rate_limit:"

// Result is the outcome of a fixed-window check.
type Result struct {
	Allowed         bool  `json:"allowed"`
	Remaining       int64 `json:"remaining"`
	ResetTimeMillis int64 `json:"reset_time_ms"`
}

// incrScript bumps the window counter and attaches the expiry only on the
// increment that created the key. A counter found without a TTL gets one so
// the window stays bounded.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Limiter is a fixed-window request counter per caller identity, shared by
// every process talking to the same Redis.
type Limiter struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

func NewLimiter(rdb redis.UniversalClient, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{rdb: rdb, logger: logger, now: time.Now}
}

// Key returns the Redis key holding the counter for identifier.
func Key(identifier string) string {
	return keyPrefix + identifier
}

// Check counts one request against identifier's current window. When Redis
// cannot be reached the request is allowed with the full limit remaining.
func (l *Limiter) Check(ctx context.Context, identifier string, limit int64, window time.Duration) Result {
	now := l.now()
	res, err := incrScript.Run(ctx, l.rdb, []string{Key(identifier)}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		l.logger.Warn("rate limiter unavailable, allowing request",
			"identifier", identifier, "error", err)
		return openResult(limit, window, now)
	}
	return evaluate(res[0], res[1], limit, now)
}

// Peek reports the state of identifier's window without counting a request.
// Allowed tells whether the next request would pass.
func (l *Limiter) Peek(ctx context.Context, identifier string, limit int64, window time.Duration) Result {
	now := l.now()
	key := Key(identifier)

	pipe := l.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("rate limiter unavailable, reporting open window",
			"identifier", identifier, "error", err)
		return openResult(limit, window, now)
	}

	count, err := getCmd.Int64()
	if err != nil {
		// No counter yet: a fresh window.
		return openResult(limit, window, now)
	}

	ttl := ttlCmd.Val()
	if ttl <= 0 {
		ttl = window
	}
	res := evaluate(count, ttl.Milliseconds(), limit, now)
	res.Allowed = count < limit
	return res
}

func evaluate(count, ttlMillis, limit int64, now time.Time) Result {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:         count <= limit,
		Remaining:       remaining,
		ResetTimeMillis: now.UnixMilli() + ttlMillis,
	}
}

func openResult(limit int64, window time.Duration, now time.Time) Result {
	return Result{
		Allowed:         true,
		Remaining:       limit,
		ResetTimeMillis: now.Add(window).UnixMilli(),
	}
}
