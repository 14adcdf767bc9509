package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config carries the provider settings shared by every factory.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float64
	Timeout        time.Duration
}

type GeneratorFactory func(cfg Config) (Generator, error)

type EmbedderFactory func(cfg Config) (Embedder, error)

// Registry maps provider names to constructors. Providers are resolved once
// at startup.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]GeneratorFactory
	embedders  map[string]EmbedderFactory
}

func NewRegistry() *Registry {
	return &Registry{
		generators: map[string]GeneratorFactory{},
		embedders:  map[string]EmbedderFactory{},
	}
}

func (r *Registry) RegisterGenerator(name string, factory GeneratorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[normalizeName(name)] = factory
}

func (r *Registry) RegisterEmbedder(name string, factory EmbedderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedders[normalizeName(name)] = factory
}

func (r *Registry) Generator(name string, cfg Config) (Generator, error) {
	r.mu.RLock()
	factory, ok := r.generators[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown generator provider %q (known: %s)", name, strings.Join(r.GeneratorNames(), ", "))
	}
	generator, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build generator %q: %w", name, err)
	}
	return generator, nil
}

func (r *Registry) Embedder(name string, cfg Config) (Embedder, error) {
	r.mu.RLock()
	factory, ok := r.embedders[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown embedder provider %q (known: %s)", name, strings.Join(r.EmbedderNames(), ", "))
	}
	embedder, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build embedder %q: %w", name, err)
	}
	return embedder, nil
}

func (r *Registry) GeneratorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.generators)
}

func (r *Registry) EmbedderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.embedders)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
