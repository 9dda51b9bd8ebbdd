package embeddings

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to an upstream provider. Each call, batch or
// query, consumes one token.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst.
// A burst below 1 is raised to 1.
func NewRateLimited(p Provider, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embedding rate limit: %w", err)
	}
	return r.Provider.EmbedDocuments(ctx, texts)
}

func (r *RateLimited) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embedding rate limit: %w", err)
	}
	return r.Provider.EmbedQuery(ctx, text)
}
