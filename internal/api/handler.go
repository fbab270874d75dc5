package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/vnmchuo/verity/internal/analysis"
	"github.com/vnmchuo/verity/internal/billing"
	"github.com/vnmchuo/verity/pkg/ratelimit"
)

const maxBodyBytes = 1 << 20

type Service interface {
	Analyze(ctx context.Context, req analysis.Request) (*analysis.Response, error)
	BudgetStatus(ctx context.Context) (analysis.BudgetStatus, error)
	CheckRateLimit(ctx context.Context, identifier string) ratelimit.Result
	PeekRateLimit(ctx context.Context, identifier string) ratelimit.Result
}

// UsageStore reads the per-call spend ledger.
type UsageStore interface {
	GetUsageByCaller(ctx context.Context, callerID string, from, to time.Time) ([]*billing.UsageLog, error)
	GetTotalCostByCaller(ctx context.Context, callerID string, from, to time.Time) (float64, error)
}

type Handler struct {
	svc    Service
	usage  UsageStore
	logger *slog.Logger
	now    func() time.Time
}

func NewHandler(svc Service, usage UsageStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, usage: usage, logger: logger, now: time.Now}
}

type analyzeRequest struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type analyzeResponse struct {
	Success bool             `json:"success"`
	Cached  bool             `json:"cached"`
	Result  *analysis.Result `json:"result"`
}

type errorResponse struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error"`
}

func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{
			ErrorKind: string(analysis.KindValidation),
			Error:     "invalid request body",
		})
		return
	}

	resp, err := h.svc.Analyze(ctx, analysis.Request{
		Text:     req.Text,
		URL:      req.URL,
		CallerID: GetCallerID(ctx),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, analyzeResponse{
		Success: true,
		Cached:  resp.Cached,
		Result:  &resp.Result,
	})
}

func (h *Handler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.BudgetStatus(r.Context())
	if err != nil {
		h.logger.Error("budget status unavailable", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			ErrorKind: string(analysis.KindBudgetUnavailable),
			Error:     "budget status unavailable",
		})
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) HandleRateLimit(w http.ResponseWriter, r *http.Request) {
	res := h.svc.PeekRateLimit(r.Context(), GetCallerID(r.Context()))
	h.writeJSON(w, http.StatusOK, res)
}

// HandleUsage lists the caller's paid classifier calls, by default for the
// last 30 days.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID := GetCallerID(ctx)

	now := h.now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{
				ErrorKind: string(analysis.KindValidation),
				Error:     "invalid 'from' date format (use RFC3339)",
			})
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{
				ErrorKind: string(analysis.KindValidation),
				Error:     "invalid 'to' date format (use RFC3339)",
			})
			return
		}
	}

	logs, err := h.usage.GetUsageByCaller(ctx, callerID, from, to)
	if err != nil {
		h.logger.Error("usage lookup failed", "caller", callerID, "error", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorKind: "internal_error", Error: "usage unavailable"})
		return
	}
	total, err := h.usage.GetTotalCostByCaller(ctx, callerID, from, to)
	if err != nil {
		h.logger.Error("usage total failed", "caller", callerID, "error", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorKind: "internal_error", Error: "usage unavailable"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"caller_id":      callerID,
		"total_requests": len(logs),
		"total_cost_usd": total,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := analysis.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("analysis failed", "kind", kind, "error", err)
	}

	var ae *analysis.Error
	if errors.As(err, &ae) && ae.RateLimit != nil {
		h.setRateLimitHeaders(w, *ae.RateLimit)
	}

	if kind == "" {
		kind = "internal_error"
	}
	h.writeJSON(w, status, errorResponse{ErrorKind: string(kind), Error: err.Error()})
}

func statusFor(kind analysis.ErrorKind) int {
	switch kind {
	case analysis.KindValidation:
		return http.StatusBadRequest
	case analysis.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case analysis.KindRateLimited:
		return http.StatusTooManyRequests
	case analysis.KindBudgetUnavailable, analysis.KindClassifierUnavailable:
		return http.StatusServiceUnavailable
	case analysis.KindExtractionFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// setRateLimitHeaders writes the window state. Retry-After is only set once
// the window is exhausted.
func (h *Handler) setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTimeMillis, 10))
	if res.Allowed {
		return
	}
	wait := time.UnixMilli(res.ResetTimeMillis).Sub(h.now()).Seconds()
	w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(wait)))))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "status", status, "error", err)
	}
}
