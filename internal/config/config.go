package config

import (
	"fmt"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	History   HistoryConfig
	Vector    VectorConfig
	Model     ModelConfig
	Embed     EmbedConfig
	Ollama    OllamaConfig
	RateLimit RateLimitConfig
	Chat      ChatConfig
}

type ServerConfig struct {
	Port     int
	MCPStdio bool
	APIToken string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

// HistoryConfig selects the sorted history backend.
type HistoryConfig struct {
	Backend       string // "bolt" or "sqlite"
	RecentLimit   int
	SeedDelimiter string
}

type VectorConfig struct {
	Backend     string // "sqlite", "chromem" or "pgvector"
	PostgresDSN string
	TopK        int
	Timeout     time.Duration
}

// ModelConfig describes the text generation backend. Name is also the model
// component of every companion key, so changing it starts fresh histories.
type ModelConfig struct {
	Provider        string // "ollama", "openai" or "anthropic"
	Name            string
	BaseURL         string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	MaxTokens       int
	Timeout         time.Duration
}

type EmbedConfig struct {
	Provider string // "ollama" or "openai"
	Model    string
}

type OllamaConfig struct {
	BaseURL string
}

type RateLimitConfig struct {
	Algorithm string // "sliding" or "fixed"
	Limit     int
	Window    time.Duration
}

type ChatConfig struct {
	StripChars      string
	FirstLineOnly   bool
	MaxPromptTokens int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 3000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		History: HistoryConfig{
			Backend:       "bolt",
			RecentLimit:   30,
			SeedDelimiter: "\n\n",
		},
		Vector: VectorConfig{
			Backend: "sqlite",
			TopK:    3,
			Timeout: 5 * time.Second,
		},
		Model: ModelConfig{
			Provider:  "ollama",
			Name:      "llama2-13b",
			MaxTokens: 256,
			Timeout:   2 * time.Minute,
		},
		Embed: EmbedConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		RateLimit: RateLimitConfig{
			Algorithm: "sliding",
			Limit:     10,
			Window:    10 * time.Second,
		},
		Chat: ChatConfig{
			StripChars:      ",",
			FirstLineOnly:   true,
			MaxPromptTokens: 4000,
		},
	}
}

// Load reads configuration in layers, later layers winning: built-in
// defaults, config.json in the config directory, COMPANION_* environment
// variables. Secrets are never read from config.json; they come from the
// environment, a <ENV>_FILE path or secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(filepath.Join(configDir(), "config.json")), fileSecrets{path: secretsFilePath()})
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills secret keys left empty by the environment. Lookup
// failures are not errors; validate decides whether a missing secret
// matters.
func applySecrets(cfg *Config, secrets secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(s.account()); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}


func (c Config) validate() error {
	switch c.History.Backend {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("invalid history.backend %q: want bolt or sqlite", c.History.Backend)
	}

	switch c.Vector.Backend {
	case "sqlite", "chromem":
	case "pgvector":
		if c.Vector.PostgresDSN == "" {
			return missingSecret("vector.postgres_dsn")
		}
	default:
		return fmt.Errorf("invalid vector.backend %q: want sqlite, chromem or pgvector", c.Vector.Backend)
	}

	switch c.Model.Provider {
	case "ollama":
	case "openai":
		// A custom base URL points at an OpenAI-compatible server that may
		// not need a key.
		if c.Model.OpenAIAPIKey == "" && c.Model.BaseURL == "" {
			return missingSecret("model.openai_api_key")
		}
	case "anthropic":
		if c.Model.AnthropicAPIKey == "" {
			return missingSecret("model.anthropic_api_key")
		}
	default:
		return fmt.Errorf("invalid model.provider %q: want ollama, openai or anthropic", c.Model.Provider)
	}

	switch c.Embed.Provider {
	case "ollama":
	case "openai":
		if c.Model.OpenAIAPIKey == "" && c.Model.BaseURL == "" {
			return missingSecret("model.openai_api_key")
		}
	default:
		return fmt.Errorf("invalid embed.provider %q: want ollama or openai", c.Embed.Provider)
	}

	switch c.RateLimit.Algorithm {
	case "sliding", "fixed":
	default:
		return fmt.Errorf("invalid ratelimit.algorithm %q: want sliding or fixed", c.RateLimit.Algorithm)
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.limit and ratelimit.window must be positive")
	}
	if c.History.RecentLimit <= 0 {
		return fmt.Errorf("history.recent_limit must be positive")
	}
	return nil
}

func missingSecret(key string) error {
	for _, s := range specs {
		if s.key == key {
			return fmt.Errorf("missing required config: %s. Set it via environment variable %s%s",
				key, s.env, secretHint(s.account()))
		}
	}
	return fmt.Errorf("missing required config: %s", key)
}
