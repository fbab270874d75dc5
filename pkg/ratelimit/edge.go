package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// EdgeLimiter is a thin wrapper around github.com/vnmchuo/ratelimiter used as
// a per-minute burst guard in front of every route.
type EdgeLimiter struct {
	store  extratelimit.Limiter
	logger *slog.Logger
}

func NewEdgeLimiter(rdb *redis.Client, perMinute int64, logger *slog.Logger) *EdgeLimiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(perMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return NewTestEdgeLimiter(store, logger)
}

func NewTestEdgeLimiter(store extratelimit.Limiter, logger *slog.Logger) *EdgeLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EdgeLimiter{store: store, logger: logger}
}

// Allow fails open: a store error lets the request through.
func (l *EdgeLimiter) Allow(ctx context.Context, identifier string) bool {
	key := fmt.Sprintf("ratelimit:edge:%s", identifier)
	res, err := l.store.Allow(ctx, key)
	if err != nil {
		l.logger.Warn("edge limiter unavailable, allowing request",
			"identifier", identifier, "error", err)
		return true
	}
	return res.Allowed
}
