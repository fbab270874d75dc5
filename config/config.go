package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port           string   // default: 8080
	TrustedProxies []string // peers whose X-Forwarded-For is believed, default: none

	// Database
	PostgresDSN string

	// Cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Providers
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string

	// Classifier
	ClassifierProviders      []string // preference order, default: claude,openai,gemini
	ClassifierModels         map[string]string
	ClassifierTimeout        time.Duration
	ClassifierInputUSDPerMT  float64
	ClassifierOutputUSDPerMT float64

	// Budget
	MonthlyBudgetUSD float64 // default: 25

	// Analysis
	CacheTTL      time.Duration
	MaxTextLength int

	// Rate Limiting
	AnalyzeRateLimit       int64
	AnalyzeRateWindow      time.Duration
	GeneralRateLimit       int64
	GeneralRateWindow      time.Duration
	EdgeRateLimitPerMinute int64

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		TrustedProxies:       splitList(os.Getenv("TRUSTED_PROXIES")),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		ClassifierProviders:  splitList(getEnv("CLASSIFIER_PROVIDERS", "claude,openai,gemini")),
		ClassifierModels:     map[string]string{},
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	for _, name := range []string{"claude", "openai", "gemini"} {
		if m := os.Getenv("CLASSIFIER_MODEL_" + strings.ToUpper(name)); m != "" {
			cfg.ClassifierModels[name] = m
		}
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.MaxTextLength, err = getInt("MAX_TEXT_LENGTH", 10000); err != nil {
		return nil, err
	}
	if cfg.ClassifierTimeout, err = getDuration("CLASSIFIER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ClassifierInputUSDPerMT, err = getFloat("CLASSIFIER_INPUT_USD_PER_MTOK", 3); err != nil {
		return nil, err
	}
	if cfg.ClassifierOutputUSDPerMT, err = getFloat("CLASSIFIER_OUTPUT_USD_PER_MTOK", 15); err != nil {
		return nil, err
	}
	if cfg.MonthlyBudgetUSD, err = getFloat("MONTHLY_BUDGET_USD", 25); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.AnalyzeRateLimit, err = getInt64("ANALYZE_RATE_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.AnalyzeRateWindow, err = getDuration("ANALYZE_RATE_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if cfg.GeneralRateLimit, err = getInt64("GENERAL_RATE_LIMIT", 100); err != nil {
		return nil, err
	}
	if cfg.GeneralRateWindow, err = getDuration("GENERAL_RATE_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if cfg.EdgeRateLimitPerMinute, err = getInt64("EDGE_RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.MonthlyBudgetUSD <= 0 {
		return nil, fmt.Errorf("MONTHLY_BUDGET_USD must be positive, got %v", cfg.MonthlyBudgetUSD)
	}

	return cfg, nil
}

// APIKey returns the configured key for a provider name.
func (c *Config) APIKey(provider string) string {
	switch provider {
	case "claude":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "gemini":
		return c.GeminiAPIKey
	}
	return ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

// getDuration accepts Go durations ("90s", "1h") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
