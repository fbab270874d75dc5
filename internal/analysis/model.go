package analysis

import (
	"time"
)

// Request is one analysis call. When URL is set it is the whole input: the
// text is fetched from it on a cache miss and Text is ignored.
type Request struct {
	Text     string
	URL      string
	CallerID string
}

// Result is a classifier verdict as served to callers. Results are never
// mutated after they are produced.
type Result struct {
	IsFake            bool      `json:"is_fake"`
	Confidence        float64   `json:"confidence"`
	Explanation       string    `json:"explanation"`
	SuspiciousPhrases []string  `json:"suspicious_phrases"`
	Recommendations   []string  `json:"recommendations"`
	ModelUsed         string    `json:"model_used"`
	CachedAt          time.Time `json:"cached_at"`
}

type Response struct {
	Cached bool
	Result Result
}

// BudgetStatus is the current month's spend against the cap.
type BudgetStatus struct {
	MonthKey       string  `json:"month"`
	UsedUSD        float64 `json:"used_usd"`
	RemainingUSD   float64 `json:"remaining_usd"`
	PercentageUsed float64 `json:"percentage_used"`
	CapUSD         float64 `json:"cap_usd"`
}
