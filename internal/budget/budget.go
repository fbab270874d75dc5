package budget

import (
	"context"
	"errors"
	"time"
)

var ErrNegativeCost = errors.New("cost must not be negative")

// Pricing is the classifier's price in USD per million tokens.
type Pricing struct {
	InputUSDPerMTok  float64
	OutputUSDPerMTok float64
}

// Cost returns the USD cost of one classifier call.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*p.InputUSDPerMTok +
		float64(outputTokens)/1e6*p.OutputUSDPerMTok
}

// Period is the spend of one calendar month (UTC). Only TotalUsedUSD is
// stored; everything else is derived on read.
type Period struct {
	MonthKey     string  `json:"month"`
	TotalUsedUSD float64 `json:"used_usd"`
	CapUSD       float64 `json:"cap_usd"`
}

func (p Period) PercentageUsed() float64 {
	if p.CapUSD <= 0 {
		return 100
	}
	return p.TotalUsedUSD / p.CapUSD * 100
}

func (p Period) RemainingUSD() float64 {
	remaining := p.CapUSD - p.TotalUsedUSD
	if remaining < 0 {
		return 0
	}
	return remaining
}

type Status struct {
	Exceeded       bool
	Period         Period
	PercentageUsed float64
}

// Store persists monthly totals outside Redis so they survive a flush or
// restart of the fast store.
type Store interface {
	SavePeriod(ctx context.Context, monthKey string, totalUSD float64) error
	LoadPeriod(ctx context.Context, monthKey string) (float64, error)
}

// MonthKey formats t as the "YYYY-MM" key of its UTC month.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
