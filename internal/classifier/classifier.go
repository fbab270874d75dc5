// Package classifier wraps the LLM providers as a fake-news text classifier.
// The rest of the service treats it as an opaque, expensive dependency.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vnmchuo/verity/internal/provider"
)

var (
	ErrUnavailable   = errors.New("classifier unavailable")
	ErrQuotaExceeded = errors.New("classifier quota exceeded")
)

const systemPrompt = `You are a fact-checking assistant that detects fake or misleading news.
Analyze the user's text and answer with a single JSON object and nothing else:
{
  "is_fake": boolean,
  "confidence": number between 0 and 1,
  "explanation": string,
  "suspicious_phrases": [string],
  "recommendations": [string]
}`

// Verdict is the classifier's judgement of one text.
type Verdict struct {
	IsFake            bool     `json:"is_fake"`
	Confidence        float64  `json:"confidence"`
	Explanation       string   `json:"explanation"`
	SuspiciousPhrases []string `json:"suspicious_phrases"`
	Recommendations   []string `json:"recommendations"`
}

type Classification struct {
	Verdict
	Provider     string
	ModelUsed    string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
}

type Classifier interface {
	Classify(ctx context.Context, text string) (*Classification, error)
}

type LLMClassifier struct {
	router    *Router
	models    map[string]string
	maxTokens int
}

type Option func(*LLMClassifier)

// WithModel overrides the model used for a provider. By default the first of
// the provider's supported models is used.
func WithModel(providerName, model string) Option {
	return func(c *LLMClassifier) {
		if model != "" {
			c.models[providerName] = model
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(c *LLMClassifier) { c.maxTokens = n }
}

func New(router *Router, opts ...Option) *LLMClassifier {
	c := &LLMClassifier{
		router:    router,
		models:    make(map[string]string),
		maxTokens: 1024,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LLMClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	p, err := c.router.Route(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	req := &provider.Request{
		Model: c.modelFor(p),
		Messages: []provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		MaxTokens: c.maxTokens,
		JSON:      true,
	}

	resp, err := c.router.Execute(ctx, req, p)
	if err != nil {
		var se *provider.StatusError
		if errors.As(err, &se) && se.RateLimited() {
			return nil, fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, p.Name(), err)
	}

	v, err := parseVerdict(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %s returned a malformed verdict: %w", ErrUnavailable, p.Name(), err)
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &Classification{
		Verdict:      v,
		Provider:     p.Name(),
		ModelUsed:    model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		LatencyMs:    resp.LatencyMs,
	}, nil
}

func (c *LLMClassifier) modelFor(p provider.Provider) string {
	if m, ok := c.models[p.Name()]; ok {
		return m
	}
	if models := p.SupportedModels(); len(models) > 0 {
		return models[0]
	}
	return ""
}

// parseVerdict accepts the JSON object anywhere in content, so markdown fences
// or a stray preamble do not break parsing.
func parseVerdict(content string) (Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Verdict{}, errors.New("no JSON object in response")
	}

	var v Verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return Verdict{}, err
	}

	switch {
	case v.Confidence < 0:
		v.Confidence = 0
	case v.Confidence > 1:
		v.Confidence = 1
	}
	if v.SuspiciousPhrases == nil {
		v.SuspiciousPhrases = []string{}
	}
	if v.Recommendations == nil {
		v.Recommendations = []string{}
	}
	return v, nil
}
