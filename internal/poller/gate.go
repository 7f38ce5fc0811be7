package poller

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate limits the fetches issued by all pollers of a registry.
//
// It bounds the number of fetches in flight at once and, optionally, the
// aggregate request rate. A nil *Gate admits everything.
type Gate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewGate creates a [Gate].
//
// maxConcurrent <= 0 disables the concurrency bound. requestsPerSecond <= 0
// disables the rate limit; burst is raised to 1 if lower.
func NewGate(maxConcurrent int, requestsPerSecond float64, burst int) *Gate {
	g := &Gate{}
	if maxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	if requestsPerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return g
}

// Acquire blocks until a fetch may proceed or ctx is done.
//
// On success the caller must invoke the returned release function once the
// fetch has settled.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if g == nil {
		return func() {}, nil
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if g.sem == nil {
		return func() {}, nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}
