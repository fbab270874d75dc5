package analysis

import (
	"errors"

	"github.com/vnmchuo/verity/pkg/ratelimit"
)

type ErrorKind string

const (
	KindValidation            ErrorKind = "validation_error"
	KindBudgetExceeded        ErrorKind = "budget_exceeded"
	KindBudgetUnavailable     ErrorKind = "budget_unavailable"
	KindRateLimited           ErrorKind = "rate_limited"
	KindClassifierUnavailable ErrorKind = "classifier_unavailable"
	KindExtractionFailed      ErrorKind = "extraction_failed"
)

var (
	ErrEmptyText      = errors.New("text is required")
	ErrTextTooLong    = errors.New("text exceeds maximum length")
	ErrInvalidURL     = errors.New("url must be an absolute http(s) URL")
	ErrBudgetExceeded = errors.New("monthly budget exceeded")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrNoExtractor    = errors.New("url analysis is not configured")
	ErrNoContent      = errors.New("no readable text at url")
)

// Error is returned by Analyze for every failure the caller should see.
type Error struct {
	Kind ErrorKind
	Err  error
	// RateLimit is set for KindRateLimited.
	RateLimit *ratelimit.Result
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an analysis error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
