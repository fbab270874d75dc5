// Package analysis guards the classifier with a budget check, a per-caller
// rate limit and a result cache, and collapses concurrent identical requests
// into one classifier call.
//
// Failure policy differs by dependency: the cache and the rate limiter fail
// open, the budget fails closed.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vnmchuo/verity/internal/billing"
	"github.com/vnmchuo/verity/internal/budget"
	"github.com/vnmchuo/verity/internal/cache"
	"github.com/vnmchuo/verity/internal/classifier"
	"github.com/vnmchuo/verity/pkg/ratelimit"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration)
	Claim(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type RateLimiter interface {
	Check(ctx context.Context, identifier string, limit int64, window time.Duration) ratelimit.Result
	Peek(ctx context.Context, identifier string, limit int64, window time.Duration) ratelimit.Result
}

type BudgetTracker interface {
	AddCost(ctx context.Context, usd float64) (budget.Period, error)
	IsExceeded(ctx context.Context, thresholdPercent float64) (budget.Status, error)
	CurrentPeriod(ctx context.Context) (budget.Period, error)
}

// Extractor fetches the readable text of a URL.
type Extractor interface {
	Extract(ctx context.Context, rawURL string) (string, error)
}

// UsageRecorder receives one entry per paid classifier call.
type UsageRecorder interface {
	LogUsage(ctx context.Context, log *billing.UsageLog) error
}

type Config struct {
	MaxTextLength int
	CacheTTL      time.Duration

	AnalyzeLimit  int64
	AnalyzeWindow time.Duration
	GeneralLimit  int64
	GeneralWindow time.Duration

	Pricing           budget.Pricing
	ClassifierTimeout time.Duration

	// InflightTTL bounds how long one analysis may hold the cross-process
	// marker and how long followers wait for it.
	InflightTTL  time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = 10000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.AnalyzeLimit <= 0 {
		c.AnalyzeLimit = 10
	}
	if c.AnalyzeWindow <= 0 {
		c.AnalyzeWindow = time.Hour
	}
	if c.GeneralLimit <= 0 {
		c.GeneralLimit = 100
	}
	if c.GeneralWindow <= 0 {
		c.GeneralWindow = time.Hour
	}
	if c.ClassifierTimeout <= 0 {
		c.ClassifierTimeout = 30 * time.Second
	}
	if c.InflightTTL <= c.ClassifierTimeout {
		c.InflightTTL = c.ClassifierTimeout + 5*time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

type Orchestrator struct {
	cfg        Config
	cache      Cache
	limiter    RateLimiter
	budget     BudgetTracker
	classifier classifier.Classifier
	tracer     trace.Tracer
	logger     *slog.Logger
	usage      UsageRecorder
	extractor  Extractor
	now        func() time.Time
	flights    singleflight.Group
}

type Option func(*Orchestrator)

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithUsageRecorder(u UsageRecorder) Option {
	return func(o *Orchestrator) { o.usage = u }
}

func WithExtractor(e Extractor) Option {
	return func(o *Orchestrator) { o.extractor = e }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(cfg Config, c Cache, l RateLimiter, b BudgetTracker, clf classifier.Classifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg.withDefaults(),
		cache:      c,
		limiter:    l,
		budget:     b,
		classifier: clf,
		tracer:     otel.Tracer("github.com/vnmchuo/verity/internal/analysis"),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Analyze runs the guarded classification pipeline. Each step is terminal on
// failure; failures are returned as *Error.
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (resp *Response, err error) {
	ctx, span := o.tracer.Start(ctx, "analysis.analyze")
	span.SetAttributes(attribute.String("caller", req.CallerID))
	defer func() {
		if err != nil {
			span.SetAttributes(attribute.String("error_kind", string(KindOf(err))))
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Bool("cached", resp.Cached))
		}
		span.End()
	}()

	if err := o.validate(req); err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}

	status, err := o.budget.IsExceeded(ctx, 100)
	if err != nil {
		o.logger.Error("budget check failed, refusing analysis", "error", err)
		return nil, &Error{Kind: KindBudgetUnavailable, Err: err}
	}
	if status.Exceeded {
		return nil, &Error{
			Kind: KindBudgetExceeded,
			Err:  fmt.Errorf("%w: %.2f%% of $%.2f used in %s", ErrBudgetExceeded, status.PercentageUsed, status.Period.CapUSD, status.Period.MonthKey),
		}
	}

	rl := o.limiter.Check(ctx, analyzeScope(req.CallerID), o.cfg.AnalyzeLimit, o.cfg.AnalyzeWindow)
	if !rl.Allowed {
		return nil, &Error{Kind: KindRateLimited, Err: ErrRateLimited, RateLimit: &rl}
	}

	key := cache.Key(req.Text, req.URL)
	if result, ok := o.lookup(ctx, key); ok {
		return &Response{Cached: true, Result: result}, nil
	}

	return o.compute(ctx, key, req)
}

// BudgetStatus reports this month's spend.
func (o *Orchestrator) BudgetStatus(ctx context.Context) (BudgetStatus, error) {
	p, err := o.budget.CurrentPeriod(ctx)
	if err != nil {
		return BudgetStatus{}, err
	}
	return BudgetStatus{
		MonthKey:       p.MonthKey,
		UsedUSD:        p.TotalUsedUSD,
		RemainingUSD:   p.RemainingUSD(),
		PercentageUsed: p.PercentageUsed(),
		CapUSD:         p.CapUSD,
	}, nil
}

// CheckRateLimit counts one request against the general-traffic limit.
func (o *Orchestrator) CheckRateLimit(ctx context.Context, identifier string) ratelimit.Result {
	return o.limiter.Check(ctx, generalScope(identifier), o.cfg.GeneralLimit, o.cfg.GeneralWindow)
}

// PeekRateLimit reports the caller's analyze window without consuming it.
func (o *Orchestrator) PeekRateLimit(ctx context.Context, identifier string) ratelimit.Result {
	return o.limiter.Peek(ctx, analyzeScope(identifier), o.cfg.AnalyzeLimit, o.cfg.AnalyzeWindow)
}

func (o *Orchestrator) validate(req Request) error {
	if req.URL != "" {
		if !validURL(req.URL) {
			return ErrInvalidURL
		}
		return nil
	}
	if strings.TrimSpace(req.Text) == "" {
		return ErrEmptyText
	}
	if n := utf8.RuneCountInString(req.Text); n > o.cfg.MaxTextLength {
		return fmt.Errorf("%w: %d > %d characters", ErrTextTooLong, n, o.cfg.MaxTextLength)
	}
	return nil
}

// validURL reports whether raw is an absolute http or https URL.
func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// lookup reads a cached result. Undecodable entries count as misses.
func (o *Orchestrator) lookup(ctx context.Context, key string) (Result, bool) {
	payload, ok := o.cache.Get(ctx, key)
	if !ok {
		return Result{}, false
	}
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		o.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		return Result{}, false
	}
	return r, true
}

func (o *Orchestrator) store(ctx context.Context, key string, r Result) {
	payload, err := json.Marshal(r)
	if err != nil {
		o.logger.Error("failed to encode result for cache", "key", key, "error", err)
		return
	}
	o.cache.Set(ctx, key, payload, o.cfg.CacheTTL)
}

func analyzeScope(caller string) string { return "analyze:" + caller }
func generalScope(caller string) string { return "general:" + caller }
