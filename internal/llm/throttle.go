package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttle spaces outbound provider calls with a token bucket.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle returns nil when requestsPerSecond is not positive.
func NewThrottle(requestsPerSecond float64) *Throttle {
	if requestsPerSecond <= 0 {
		return nil
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

func (t *Throttle) wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("provider throttle: %w", err)
	}
	return nil
}

func (t *Throttle) Generator(next Generator) Generator {
	if t == nil {
		return next
	}
	return throttledGenerator{throttle: t, next: next}
}

func (t *Throttle) Embedder(next Embedder) Embedder {
	if t == nil {
		return next
	}
	return throttledEmbedder{throttle: t, next: next}
}

type throttledGenerator struct {
	throttle *Throttle
	next     Generator
}

func (g throttledGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := g.throttle.wait(ctx); err != nil {
		return "", err
	}
	return g.next.Generate(ctx, prompt)
}

type throttledEmbedder struct {
	throttle *Throttle
	next     Embedder
}

func (e throttledEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.throttle.wait(ctx); err != nil {
		return nil, err
	}
	return e.next.Embed(ctx, texts)
}
