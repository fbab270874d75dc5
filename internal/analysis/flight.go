package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vnmchuo/verity/internal/billing"
	"github.com/vnmchuo/verity/internal/classifier"
)

var errFlightTimeout = errors.New("timed out waiting for in-flight analysis")

// compute runs at most one classifier call per cache key. Callers in this
// process share a singleflight slot; other processes are held off by a
// marker in the shared store. The flight outlives any single caller, so a
// disconnecting caller only abandons its own response. The caller that starts
// the flight is the one billed for it.
func (o *Orchestrator) compute(ctx context.Context, key string, req Request) (*Response, error) {
	ch := o.flights.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.InflightTTL)
		defer cancel()
		return o.lead(fctx, key, req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lead claims the cross-process marker and classifies, or waits for the
// process that holds it to publish a result.
func (o *Orchestrator) lead(ctx context.Context, key string, req Request) (*Response, error) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		token, claimed, err := o.cache.Claim(ctx, key, o.cfg.InflightTTL)
		if err != nil {
			o.logger.Warn("in-flight marker unavailable, classifying without it", "key", key, "error", err)
			return o.classify(ctx, key, req)
		}
		if claimed {
			defer o.release(ctx, key, token)
			// The previous holder may have finished between our miss and the claim.
			if result, ok := o.lookup(ctx, key); ok {
				return &Response{Cached: true, Result: result}, nil
			}
			return o.classify(ctx, key, req)
		}

		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindClassifierUnavailable, Err: fmt.Errorf("%w: %w", errFlightTimeout, ctx.Err())}
		case <-ticker.C:
		}

		if result, ok := o.lookup(ctx, key); ok {
			return &Response{Cached: true, Result: result}, nil
		}
	}
}

func (o *Orchestrator) classify(ctx context.Context, key string, req Request) (*Response, error) {
	text, err := o.input(ctx, req)
	if err != nil {
		return nil, err
	}

	cctx, span := o.tracer.Start(ctx, "analysis.classify")
	cctx, cancel := context.WithTimeout(cctx, o.cfg.ClassifierTimeout)
	c, err := o.classifier.Classify(cctx, text)
	cancel()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		o.logger.Error("classifier call failed", "key", key, "error", err)
		return nil, &Error{Kind: KindClassifierUnavailable, Err: err}
	}
	span.SetAttributes(
		attribute.String("model", c.ModelUsed),
		attribute.Int("input_tokens", c.InputTokens),
		attribute.Int("output_tokens", c.OutputTokens),
	)
	span.End()

	result := Result{
		IsFake:            c.IsFake,
		Confidence:        c.Confidence,
		Explanation:       c.Explanation,
		SuspiciousPhrases: c.SuspiciousPhrases,
		Recommendations:   c.Recommendations,
		ModelUsed:         c.ModelUsed,
		CachedAt:          o.now().UTC(),
	}

	cost := o.cfg.Pricing.Cost(c.InputTokens, c.OutputTokens)
	if _, err := o.budget.AddCost(ctx, cost); err != nil {
		// The call is already paid for; report the result anyway.
		o.logger.Error("failed to record classifier cost", "key", key, "cost_usd", cost, "error", err)
	}

	o.store(ctx, key, result)
	o.recordUsage(ctx, req.CallerID, key, c, cost)
	return &Response{Cached: false, Result: result}, nil
}

// input returns the text to classify. A URL is only fetched here, once the
// budget, the rate limit and the cache have all let the request through.
func (o *Orchestrator) input(ctx context.Context, req Request) (string, error) {
	if req.URL == "" {
		return strings.TrimSpace(req.Text), nil
	}
	if o.extractor == nil {
		return "", &Error{Kind: KindExtractionFailed, Err: ErrNoExtractor}
	}

	ctx, span := o.tracer.Start(ctx, "analysis.extract")
	defer span.End()

	text, err := o.extractor.Extract(ctx, req.URL)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("content extraction failed", "url", req.URL, "error", err)
		return "", &Error{Kind: KindExtractionFailed, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &Error{Kind: KindExtractionFailed, Err: ErrNoContent}
	}
	if runes := []rune(text); len(runes) > o.cfg.MaxTextLength {
		text = string(runes[:o.cfg.MaxTextLength])
	}
	span.SetAttributes(attribute.Int("chars", utf8.RuneCountInString(text)))
	return text, nil
}

func (o *Orchestrator) recordUsage(ctx context.Context, caller, key string, c *classifier.Classification, cost float64) {
	if o.usage == nil {
		return
	}
	err := o.usage.LogUsage(ctx, &billing.UsageLog{
		CallerID:     caller,
		CacheKey:     key,
		Provider:     c.Provider,
		Model:        c.ModelUsed,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    c.LatencyMs,
	})
	if err != nil {
		o.logger.Warn("failed to record usage", "key", key, "caller", caller, "error", err)
	}
}

func (o *Orchestrator) release(ctx context.Context, key, token string) {
	if err := o.cache.Release(context.WithoutCancel(ctx), key, token); err != nil {
		o.logger.Warn("failed to release in-flight marker", "key", key, "error", err)
	}
}
