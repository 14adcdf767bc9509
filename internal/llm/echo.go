package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const echoDimensions = 64

// Echo is a deterministic provider for local wiring and tests. It answers
// every prompt with Response and embeds text by hashing its terms.
type Echo struct {
	Response string
}

func NewEcho() *Echo {
	return &Echo{Response: "SELECT 1 AS echo"}
}

func (e *Echo) Generate(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.Response, nil
}

func (e *Echo) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector := make([]float32, echoDimensions)
		for _, term := range strings.Fields(strings.ToLower(text)) {
			hasher := fnv.New32a()
			_, _ = hasher.Write([]byte(term))
			vector[hasher.Sum32()%echoDimensions]++
		}
		var norm float64
		for _, value := range vector {
			norm += float64(value * value)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for i := range vector {
				vector[i] *= scale
			}
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}
