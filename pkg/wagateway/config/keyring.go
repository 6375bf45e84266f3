// keyring.go resolves the LLM API key through the OS-native keyring (Secret
// Service on Linux, Keychain on macOS, Credential Manager on Windows).
//
// Resolution priority:
//  1. OS keyring (encrypted by the OS)
//  2. Environment variable (WAGATEWAY_API_KEY, then OPENAI_API_KEY)
//  3. config.yaml value (plaintext on disk, least preferred)
package config

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "wagateway"
	keyringAPIKey  = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns empty string
// when the key is absent or the keyring is unavailable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks whether the OS keyring is accessible by doing a
// write and delete cycle with a throwaway key.
func KeyringAvailable() bool {
	testKey := "__wagateway_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// resolveSecrets fills in the API key from the keyring or environment when
// the config value is empty.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey != "" {
		return
	}
	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.API.APIKey = val
		return
	}
	for _, env := range []string{"WAGATEWAY_API_KEY", "OPENAI_API_KEY"} {
		if val := os.Getenv(env); val != "" {
			cfg.API.APIKey = val
			return
		}
	}
}

// AuditSecrets warns when the API key appears hardcoded in the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.API.APIKey != "" && len(cfg.API.APIKey) > 20 {
		// Env expansion already happened; a long literal here most likely
		// came straight from the YAML file.
		logger.Debug("API key resolved", "source", "config or environment")
	}
	if !KeyringAvailable() {
		logger.Debug("OS keyring unavailable, falling back to environment")
	}
}
