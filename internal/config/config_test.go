package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for secretStore.
type mockSecrets struct {
	values map[string]string
}

func (m mockSecrets) Get(account string) (string, error) {
	if v, ok := m.values[account]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

// memBackend is an in-memory ConfigBackend.
type memBackend map[string]any

func (m memBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (m memBackend) SetString(key, val string) error { m[key] = val; return nil }
func (m memBackend) SetInt(key string, val int) error  { m[key] = val; return nil }
func (m memBackend) Delete(key string) error           { delete(m, key); return nil }

// TestDefaults verifies all default values are applied when the backend is empty.
func TestDefaults(t *testing.T) {
	cfg, err := loadWith(memBackend{}, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.History.Backend != "bolt" {
		t.Errorf("History.Backend = %q, want bolt", cfg.History.Backend)
	}
	if cfg.History.RecentLimit != 30 {
		t.Errorf("History.RecentLimit = %d, want 30", cfg.History.RecentLimit)
	}
	if cfg.History.SeedDelimiter != "\n\n" {
		t.Errorf("History.SeedDelimiter = %q, want %q", cfg.History.SeedDelimiter, "\n\n")
	}
	if cfg.Vector.TopK != 3 {
		t.Errorf("Vector.TopK = %d, want 3", cfg.Vector.TopK)
	}
	if cfg.Model.Name != "llama2-13b" {
		t.Errorf("Model.Name = %q, want llama2-13b", cfg.Model.Name)
	}
	if cfg.RateLimit.Limit != 10 || cfg.RateLimit.Window != 10*time.Second {
		t.Errorf("RateLimit = %+v, want 10 per 10s", cfg.RateLimit)
	}
	if cfg.Chat.StripChars != "," || !cfg.Chat.FirstLineOnly {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
}

// TestBackendValues verifies that typed values are read from the backend.
func TestBackendValues(t *testing.T) {
	b := memBackend{
		"server.port":            5000,
		"server.mcp_stdio":       "true",
		"history.backend":        "sqlite",
		"history.seed_delimiter": `"\n"`,
		"vector.backend":         "chromem",
		"vector.timeout":         "250ms",
		"ratelimit.algorithm":    "fixed",
		"ratelimit.window":       "1m",
		"chat.first_line_only":   "false",
	}

	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if !cfg.Server.MCPStdio {
		t.Error("Server.MCPStdio = false, want true")
	}
	if cfg.History.Backend != "sqlite" {
		t.Errorf("History.Backend = %q", cfg.History.Backend)
	}
	if cfg.History.SeedDelimiter != "\n" {
		t.Errorf("History.SeedDelimiter = %q, want newline", cfg.History.SeedDelimiter)
	}
	if cfg.Vector.Backend != "chromem" {
		t.Errorf("Vector.Backend = %q", cfg.Vector.Backend)
	}
	if cfg.Vector.Timeout != 250*time.Millisecond {
		t.Errorf("Vector.Timeout = %v", cfg.Vector.Timeout)
	}
	if cfg.RateLimit.Algorithm != "fixed" || cfg.RateLimit.Window != time.Minute {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Chat.FirstLineOnly {
		t.Error("Chat.FirstLineOnly = true, want false")
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	t.Setenv("COMPANION_SERVER_PORT", "7000")
	t.Setenv("COMPANION_RATELIMIT_LIMIT", "3")
	t.Setenv("COMPANION_MODEL_NAME", "llama3")

	cfg, err := loadWith(memBackend{"server.port": 5000}, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.RateLimit.Limit != 3 {
		t.Errorf("RateLimit.Limit = %d, want 3", cfg.RateLimit.Limit)
	}
	if cfg.Model.Name != "llama3" {
		t.Errorf("Model.Name = %q, want llama3", cfg.Model.Name)
	}
}

func TestEnvOverride_BadValueKeepsDefault(t *testing.T) {
	t.Setenv("COMPANION_VECTOR_TOP_K", "many")

	cfg, err := loadWith(memBackend{}, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Vector.TopK != 3 {
		t.Errorf("Vector.TopK = %d, want default 3", cfg.Vector.TopK)
	}
}

// TestMissingRequiredSecret verifies a clear error when the selected provider has no key.
func TestMissingRequiredSecret(t *testing.T) {
	t.Setenv("COMPANION_MODEL_PROVIDER", "anthropic")
	t.Setenv("COMPANION_ANTHROPIC_API_KEY", "")

	_, err := loadWith(memBackend{}, mockSecrets{})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if got := err.Error(); !strings.Contains(got, "missing required config") {
		t.Errorf("error = %q, want it to mention missing required config", got)
	}
	if got := err.Error(); !strings.Contains(got, "COMPANION_ANTHROPIC_API_KEY") {
		t.Errorf("error = %q, want it to name the env var", got)
	}
}

// TestSecretStoreFallback verifies the secret store is consulted when no key is in env.
func TestSecretStoreFallback(t *testing.T) {
	t.Setenv("COMPANION_MODEL_PROVIDER", "openai")
	t.Setenv("COMPANION_OPENAI_API_KEY", "")

	sec := mockSecrets{values: map[string]string{"openai_api_key": "stored-secret"}}
	cfg, err := loadWith(memBackend{}, sec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.OpenAIAPIKey != "stored-secret" {
		t.Errorf("OpenAIAPIKey = %q, want %q", cfg.Model.OpenAIAPIKey, "stored-secret")
	}
}

func TestSecretsIgnoredInBackend(t *testing.T) {
	t.Setenv("COMPANION_API_TOKEN", "")

	cfg, err := loadWith(memBackend{"server.api_token": "plaintext"}, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("APIToken = %q, want empty", cfg.Server.APIToken)
	}
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	tests := []struct {
		env, val string
	}{
		{"COMPANION_HISTORY_BACKEND", "redis"},
		{"COMPANION_VECTOR_BACKEND", "pinecone"},
		{"COMPANION_VECTOR_BACKEND", "pgvector"},
		{"COMPANION_RATELIMIT_ALGORITHM", "token-bucket"},
		{"COMPANION_EMBED_PROVIDER", "cohere"},
	}
	for _, tt := range tests {
		t.Run(tt.env+"="+tt.val, func(t *testing.T) {
			t.Setenv("COMPANION_VECTOR_POSTGRES_DSN", "")
			t.Setenv(tt.env, tt.val)
			if _, err := loadWith(memBackend{}, mockSecrets{}); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	b := memBackend{}

	if err := setKey(b, "ratelimit.limit", "20"); err != nil {
		t.Fatalf("setKey int: %v", err)
	}
	if b["ratelimit.limit"] != 20 {
		t.Errorf("ratelimit.limit = %v, want 20", b["ratelimit.limit"])
	}
	if err := setKey(b, "chat.first_line_only", "false"); err != nil {
		t.Fatalf("setKey bool: %v", err)
	}
	if err := setKey(b, "ratelimit.window", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "model.openai_api_key", "sk-1"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "no.such.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.RateLimit.Limit != 20 || cfg.Chat.FirstLineOnly {
		t.Errorf("round-trip through backend lost values: %+v %+v", cfg.RateLimit, cfg.Chat)
	}
}
