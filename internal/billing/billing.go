// Package billing keeps a per-call ledger of classifier spend, so a caller
// can see which of their requests cost money.
package billing

import (
	"context"
	"time"
)

// UsageLog is one paid classifier call. Cache hits and de-duplicated
// followers never produce one.
type UsageLog struct {
	ID           string    `json:"id"`
	CallerID     string    `json:"caller_id"`
	CacheKey     string    `json:"cache_key"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByCaller(ctx context.Context, callerID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByCaller(ctx context.Context, callerID string, from, to time.Time) (float64, error)
}
