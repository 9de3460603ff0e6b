// Package assistant – keyring.go stores credentials in the operating
// system's native keyring (Linux: Secret Service, macOS: Keychain, Windows:
// Credential Manager). Resolution order for a secret: OS keyring, then
// environment variables, then the plaintext config value.
package assistant

import (
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "postclaw"

	// keyringAPIKey is the keyring entry for the LLM API key.
	keyringAPIKey = "api_key"

	// keyringBotToken is the keyring entry for the Telegram bot token.
	keyringBotToken = "bot_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Empty when not found.
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

// KeyringAvailable checks keyring access with a write+delete cycle.
func KeyringAvailable() bool {
	testKey := "__postclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecret walks the chain: keyring entry, then each environment
// variable in order. Empty string when nothing is set.
func ResolveSecret(keyringKey string, envVars ...string) string {
	if val := GetKeyring(keyringKey); val != "" {
		return val
	}
	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			return val
		}
	}
	return ""
}
