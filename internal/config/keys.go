package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// account is the secret store account name for a secret key: the part of
// the key after the section prefix.
func (s keySpec) account() string {
	if i := strings.IndexByte(s.key, '.'); i >= 0 {
		return s.key[i+1:]
	}
	return s.key
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "COMPANION_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "COMPANION_SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "server.api_token", typ: kString, env: "COMPANION_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "COMPANION_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COMPANION_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "history.backend", typ: kString, env: "COMPANION_HISTORY_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.History.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.History.Backend },
	},
	{
		key: "history.recent_limit", typ: kInt, env: "COMPANION_HISTORY_RECENT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.History.RecentLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.History.RecentLimit },
	},
	{
		key: "history.seed_delimiter", typ: kString, env: "COMPANION_HISTORY_SEED_DELIMITER",
		apply:   func(cfg *Config, v any) { cfg.History.SeedDelimiter = unescape(v.(string)) },
		extract: func(cfg Config) any { return strconv.Quote(cfg.History.SeedDelimiter) },
	},
	{
		key: "vector.backend", typ: kString, env: "COMPANION_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Backend },
	},
	{
		key: "vector.postgres_dsn", typ: kString, env: "COMPANION_VECTOR_POSTGRES_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Vector.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.PostgresDSN },
	},
	{
		key: "vector.top_k", typ: kInt, env: "COMPANION_VECTOR_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Vector.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.TopK },
	},
	{
		key: "vector.timeout", typ: kDuration, env: "COMPANION_VECTOR_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Vector.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Vector.Timeout },
	},
	{
		key: "model.provider", typ: kString, env: "COMPANION_MODEL_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Model.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Provider },
	},
	{
		key: "model.name", typ: kString, env: "COMPANION_MODEL_NAME",
		apply:   func(cfg *Config, v any) { cfg.Model.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Name },
	},
	{
		key: "model.base_url", typ: kString, env: "COMPANION_MODEL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Model.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.BaseURL },
	},
	{
		key: "model.openai_api_key", typ: kString, env: "COMPANION_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Model.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.OpenAIAPIKey },
	},
	{
		key: "model.anthropic_api_key", typ: kString, env: "COMPANION_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Model.AnthropicAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.AnthropicAPIKey },
	},
	{
		key: "model.max_tokens", typ: kInt, env: "COMPANION_MODEL_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Model.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Model.MaxTokens },
	},
	{
		key: "model.timeout", typ: kDuration, env: "COMPANION_MODEL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Model.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Model.Timeout },
	},
	{
		key: "embed.provider", typ: kString, env: "COMPANION_EMBED_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embed.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Provider },
	},
	{
		key: "embed.model", typ: kString, env: "COMPANION_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embed.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Model },
	},
	{
		key: "ollama.base_url", typ: kString, env: "COMPANION_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ratelimit.algorithm", typ: kString, env: "COMPANION_RATELIMIT_ALGORITHM",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Algorithm = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.Algorithm },
	},
	{
		key: "ratelimit.limit", typ: kInt, env: "COMPANION_RATELIMIT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Limit },
	},
	{
		key: "ratelimit.window", typ: kDuration, env: "COMPANION_RATELIMIT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.Window },
	},
	{
		key: "chat.strip_chars", typ: kString, env: "COMPANION_CHAT_STRIP_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Chat.StripChars = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.StripChars },
	},
	{
		key: "chat.first_line_only", typ: kBool, env: "COMPANION_CHAT_FIRST_LINE_ONLY",
		apply:   func(cfg *Config, v any) { cfg.Chat.FirstLineOnly = v.(bool) },
		extract: func(cfg Config) any { return cfg.Chat.FirstLineOnly },
	},
	{
		key: "chat.max_prompt_tokens", typ: kInt, env: "COMPANION_CHAT_MAX_PROMPT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxPromptTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxPromptTokens },
	},
}

// unescape lets the seed delimiter be written as a quoted Go string
// ("\n\n") in config files and env vars. Unquoted values are used as is.
func unescape(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

// parse converts a raw string into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if pv, err := s.parse(v); err == nil {
				s.apply(cfg, pv)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, v, err)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
