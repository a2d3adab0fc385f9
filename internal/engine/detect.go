package engine

import "fmt"

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Provider        string // generation backend: ollama, openai or anthropic
	EmbedProvider   string // embedding backend: ollama or openai
	OllamaBaseURL   string
	BaseURL         string // optional override for the openai or anthropic endpoint
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

// Detect builds the Engine for cfg. When generation and embeddings come from
// different providers the result routes each call to the right backend.
func Detect(cfg DetectConfig) (Engine, error) {
	gen, err := build(cfg, cfg.Provider)
	if err != nil {
		return nil, err
	}
	embedProvider := cfg.EmbedProvider
	if embedProvider == "" {
		embedProvider = cfg.Provider
	}
	if embedProvider == cfg.Provider {
		if embedProvider == "anthropic" {
			return nil, fmt.Errorf("embed provider %q has no embeddings API", embedProvider)
		}
		return gen, nil
	}
	if embedProvider == "anthropic" {
		return nil, fmt.Errorf("embed provider %q has no embeddings API", embedProvider)
	}
	emb, err := build(cfg, embedProvider)
	if err != nil {
		return nil, err
	}
	return &splitEngine{gen: gen, embed: emb}, nil
}

func build(cfg DetectConfig, provider string) (Engine, error) {
	switch provider {
	case "", "ollama":
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case "openai":
		return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.BaseURL), nil
	case "anthropic":
		return NewAnthropicEngine(cfg.AnthropicAPIKey, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", provider)
	}
}

// Manager returns the ModelManager behind e, if any backend it uses hosts
// models locally.
func Manager(e Engine) (ModelManager, bool) {
	if s, ok := e.(*splitEngine); ok {
		if m, ok := s.gen.(ModelManager); ok {
			return m, true
		}
		m, ok := s.embed.(ModelManager)
		return m, ok
	}
	m, ok := e.(ModelManager)
	return m, ok
}

// Batch returns the BatchEmbedder that serves e's embeddings, if that
// backend supports batching.
func Batch(e Engine) (BatchEmbedder, bool) {
	if s, ok := e.(*splitEngine); ok {
		e = s.embed
	}
	b, ok := e.(BatchEmbedder)
	return b, ok
}
