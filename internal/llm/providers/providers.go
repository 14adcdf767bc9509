package providers

import (
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/llm"
	"github.com/sqlguard/sqlguard/internal/llm/ollama"
	"github.com/sqlguard/sqlguard/internal/llm/openai"
)

// Default returns a registry with the openai, ollama and echo providers.
func Default() *llm.Registry {
	registry := llm.NewRegistry()
	registry.RegisterGenerator("openai", func(cfg llm.Config) (llm.Generator, error) { return openai.New(cfg) })
	registry.RegisterEmbedder("openai", func(cfg llm.Config) (llm.Embedder, error) { return openai.New(cfg) })
	registry.RegisterGenerator("ollama", func(cfg llm.Config) (llm.Generator, error) { return ollama.New(cfg) })
	registry.RegisterEmbedder("ollama", func(cfg llm.Config) (llm.Embedder, error) { return ollama.New(cfg) })
	registry.RegisterGenerator("echo", func(llm.Config) (llm.Generator, error) { return llm.NewEcho(), nil })
	registry.RegisterEmbedder("echo", func(llm.Config) (llm.Embedder, error) { return llm.NewEcho(), nil })
	return registry
}

// FromConfig resolves the configured generator and embedder from the default
// registry. Both share one throttle so the provider sees a single call rate.
func FromConfig(cfg config.AIConfig) (llm.Generator, llm.Embedder, error) {
	registry := Default()
	providerCfg := llm.Config{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
		Temperature:    cfg.Temperature,
		Timeout:        cfg.Timeout,
	}
	generator, err := registry.Generator(cfg.GeneratorProvider, providerCfg)
	if err != nil {
		return nil, nil, err
	}
	embedder, err := registry.Embedder(cfg.EmbedderProvider, providerCfg)
	if err != nil {
		return nil, nil, err
	}
	throttle := llm.NewThrottle(cfg.RequestsPerSecond)
	return throttle.Generator(generator), throttle.Embedder(embedder), nil
}
