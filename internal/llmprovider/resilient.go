package llmprovider

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/medpipe/core/infrastructure/resilience"
)

// Resilient wraps a Provider with a circuit breaker and a token-bucket
// rate limiter. Step-level retry across attempts is the executor's
// responsibility (each retry is a new StepExecution attempt row); this
// wrapper only protects the provider from overload within a single call.
type Resilient struct {
	inner   Provider
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
}

// NewResilient wraps inner with a circuit breaker (cfg) and a limiter
// allowing ratePerSecond requests/sec with the given burst.
func NewResilient(inner Provider, cfg resilience.Config, ratePerSecond float64, burst int) *Resilient {
	return &Resilient{
		inner:   inner,
		breaker: resilience.New(cfg),
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// Complete waits for rate limiter admission, then executes the wrapped
// call through the circuit breaker. A circuit-open rejection is reported
// as transient: the caller's retry policy should back off and try again.
func (r *Resilient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Response{}, &TransientError{Err: err}
	}

	var resp Response
	err := r.breaker.Execute(ctx, func() error {
		var innerErr error
		resp, innerErr = r.inner.Complete(ctx, req)
		return innerErr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			return Response{}, &TransientError{Err: err}
		}
		return Response{}, err
	}
	return resp, nil
}
