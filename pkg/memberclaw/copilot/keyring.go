// Package copilot – keyring.go stores the assistant API key in the OS
// keyring (Secret Service, Keychain or Credential Manager).
//
// Resolution order for the API key:
//  1. OS keyring
//  2. MEMBERCLAW_API_KEY, then OPENAI_API_KEY (including .env files)
//  3. assistant.api_key in the config file
package copilot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "memberclaw"

	// KeyringAPIKey is the entry name of the assistant API key.
	KeyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	if err := keyring.Set(keyringService, key, value); err != nil {
		return fmt.Errorf("storing %s in keyring: %w", key, err)
	}
	return nil
}

// GetKeyring returns a secret from the OS keyring, or "" when absent or
// when no keyring is available.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret. Deleting a missing entry is not an error.
func DeleteKeyring(key string) error {
	if err := keyring.Delete(keyringService, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting %s from keyring: %w", key, err)
	}
	return nil
}

// ResolveAPIKey applies the resolution order to cfg in place.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) {
	if val := GetKeyring(KeyringAPIKey); val != "" {
		cfg.Assistant.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return
	}
	if cfg.Assistant.APIKey != "" && !IsEnvReference(cfg.Assistant.APIKey) {
		logger.Debug("API key loaded from config/env")
		return
	}
	logger.Warn("no API key found, set one with: memberclaw auth set-key")
}
