package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "budget:"

// restoreScript raises the stored total to ARGV[1] and never lowers it.
var restoreScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local durable = tonumber(ARGV[1])
if durable > current then
	redis.call('SET', KEYS[1], ARGV[1])
	return ARGV[1]
end
return tostring(current)
`)

// Tracker accrues classifier spend per calendar month in Redis. Every error
// is returned to the caller: when spend cannot be determined the caller must
// not make the expensive call.
type Tracker struct {
	rdb    redis.UniversalClient
	capUSD float64
	mirror Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Tracker)

// WithMirror copies every new total to a durable store.
func WithMirror(s Store) Option {
	return func(t *Tracker) { t.mirror = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(rdb redis.UniversalClient, capUSD float64, opts ...Option) *Tracker {
	t := &Tracker{
		rdb:    rdb,
		capUSD: capUSD,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Key returns the Redis key of a month's total.
func Key(monthKey string) string {
	return keyPrefix + monthKey
}

// AddCost atomically adds usd to the current month and returns the new period.
func (t *Tracker) AddCost(ctx context.Context, usd float64) (Period, error) {
	if usd < 0 {
		return Period{}, ErrNegativeCost
	}
	month := MonthKey(t.now())

	total, err := t.rdb.IncrByFloat(ctx, Key(month), usd).Result()
	if err != nil {
		return Period{}, fmt.Errorf("accrue budget for %s: %w", month, err)
	}

	if t.mirror != nil {
		if err := t.mirror.SavePeriod(ctx, month, total); err != nil {
			t.logger.Error("failed to mirror budget period", "month", month, "total_usd", total, "error", err)
		}
	}

	return t.period(month, total), nil
}

// CurrentPeriod reads this month's total. A month with no spend yet reads as 0.
func (t *Tracker) CurrentPeriod(ctx context.Context) (Period, error) {
	month := MonthKey(t.now())

	total, err := t.rdb.Get(ctx, Key(month)).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return t.period(month, 0), nil
		}
		return Period{}, fmt.Errorf("read budget for %s: %w", month, err)
	}
	return t.period(month, total), nil
}

// IsExceeded compares the current spend against thresholdPercent of the cap.
// A non-positive threshold means the hard cap (100%).
func (t *Tracker) IsExceeded(ctx context.Context, thresholdPercent float64) (Status, error) {
	if thresholdPercent <= 0 {
		thresholdPercent = 100
	}
	p, err := t.CurrentPeriod(ctx)
	if err != nil {
		return Status{}, err
	}
	pct := p.PercentageUsed()
	return Status{
		Exceeded:       pct >= thresholdPercent,
		Period:         p,
		PercentageUsed: pct,
	}, nil
}

// Restore reloads the current month from the durable store into Redis. Redis
// keeps its own value when it is already ahead.
func (t *Tracker) Restore(ctx context.Context) (Period, error) {
	month := MonthKey(t.now())
	if t.mirror == nil {
		return t.CurrentPeriod(ctx)
	}

	durable, err := t.mirror.LoadPeriod(ctx, month)
	if err != nil {
		return Period{}, fmt.Errorf("load durable budget for %s: %w", month, err)
	}

	arg := strconv.FormatFloat(durable, 'f', -1, 64)
	res, err := restoreScript.Run(ctx, t.rdb, []string{Key(month)}, arg).Text()
	if err != nil {
		return Period{}, fmt.Errorf("restore budget for %s: %w", month, err)
	}
	total, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return Period{}, fmt.Errorf("parse restored budget %q: %w", res, err)
	}

	t.logger.Info("budget restored", "month", month, "durable_usd", durable, "total_usd", total)
	return t.period(month, total), nil
}

func (t *Tracker) period(month string, total float64) Period {
	return Period{MonthKey: month, TotalUsedUSD: total, CapUSD: t.capUSD}
}
