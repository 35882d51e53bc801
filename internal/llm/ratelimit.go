package llm

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/stenohq/steno/internal/errkind"
)

// rateLimitedProvider gates an inner provider behind a token bucket so a
// backlog of tagging jobs cannot hammer the upstream API.
type rateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// RateLimited wraps p with a requests-per-minute cap. perMinute <= 0 disables
// limiting.
func RateLimited(p Provider, perMinute float64) Provider {
	if perMinute <= 0 {
		return p
	}
	return &rateLimitedProvider{
		inner:   p,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
	}
}

func (r *rateLimitedProvider) Name() string { return r.inner.Name() }

func (r *rateLimitedProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Response{}, errkind.Wrap(errkind.Cancelled, "rate limiter wait", err)
	}
	return r.inner.Complete(ctx, req)
}

func (r *rateLimitedProvider) CalculateCost(promptTokens, completionTokens int) float64 {
	return r.inner.CalculateCost(promptTokens, completionTokens)
}
