package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vnmchuo/verity/internal/provider"
)

var ErrNoProvider = errors.New("all providers unavailable")

// Router picks the first provider, in preference order, whose circuit breaker
// is not open.
type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

func (r *Router) Route(ctx context.Context) (provider.Provider, error) {
	for _, p := range r.providers {
		if r.breakers[p.Name()].State() != gobreaker.StateOpen {
			return p, nil
		}
	}
	return nil, ErrNoProvider
}

func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb := r.breakers[p.Name()]
	start := time.Now()
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*provider.Response)
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}
