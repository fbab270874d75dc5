package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/verity/internal/analysis"
)

type EdgeLimiter interface {
	Allow(ctx context.Context, identifier string) bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter mounts the public routes. checks are pinged by /healthz, keyed by
// the name reported in the response.
func NewRouter(h *Handler, edge EdgeLimiter, trusted TrustedProxies, checks map[string]Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.healthHandler(checks))

	r.Route("/v1", func(r chi.Router) {
		r.Use(Identity(trusted))
		r.Use(h.edgeLimit(edge))
		r.Use(h.generalLimit)
		r.Post("/analyze", h.HandleAnalyze)
		r.Get("/budget", h.HandleBudget)
		r.Get("/rate-limit", h.HandleRateLimit)
		r.Get("/usage", h.HandleUsage)
	})

	return r
}

func (h *Handler) edgeLimit(edge EdgeLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if edge != nil && !edge.Allow(r.Context(), GetCallerID(r.Context())) {
				w.Header().Set("Retry-After", "60")
				h.writeJSON(w, http.StatusTooManyRequests, errorResponse{
					ErrorKind: string(analysis.KindRateLimited),
					Error:     "too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// generalLimit counts every /v1 request against the caller's general window.
func (h *Handler) generalLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := h.svc.CheckRateLimit(r.Context(), GetCallerID(r.Context()))
		if !res.Allowed {
			h.setRateLimitHeaders(w, res)
			h.writeJSON(w, http.StatusTooManyRequests, errorResponse{
				ErrorKind: string(analysis.KindRateLimited),
				Error:     "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) healthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		results := make(map[string]string, len(checks))
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				results[name] = err.Error()
				status = "degraded"
				continue
			}
			results[name] = "ok"
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		h.writeJSON(w, code, map[string]any{
			"status":  status,
			"service": "verity",
			"checks":  results,
		})
	}
}
