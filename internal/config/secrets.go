package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretStore looks up secret values by account name (the key without its
// section, e.g. "api_token").
type secretStore interface {
	Get(account string) (string, error)
}

var errNoSecret = errors.New("secret not found")

// fileSecrets reads secrets from two places, first match wins:
//
//   - the file named by <ENV>_FILE, e.g. COMPANION_API_TOKEN_FILE, as
//     mounted by container orchestrators
//   - secrets.json in the config directory, a flat {"account": "value"}
//     object that should be mode 0600
type fileSecrets struct {
	path string
}

func secretsFilePath() string {
	return filepath.Join(configDir(), "secrets.json")
}

func (f fileSecrets) Get(account string) (string, error) {
	if env := envForAccount(account); env != "" {
		if p := os.Getenv(env + "_FILE"); p != "" {
			raw, err := os.ReadFile(p)
			if err != nil {
				return "", fmt.Errorf("reading %s_FILE: %w", env, err)
			}
			return strings.TrimSpace(string(raw)), nil
		}
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return "", errNoSecret
	}
	var secrets map[string]string
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	v, ok := secrets[account]
	if !ok {
		return "", errNoSecret
	}
	return strings.TrimSpace(v), nil
}

func envForAccount(account string) string {
	for _, s := range specs {
		if s.secret && s.account() == account {
			return s.env
		}
	}
	return ""
}

func secretHint(account string) string {
	return fmt.Sprintf(", its _FILE variant, or %q in %s", account, secretsFilePath())
}
