package config

import (
	stderrors "errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
)

// KeyringService is the service name in the OS keychain
const KeyringService = "cdegraph"

// KeyringManager stores embedding API keys in the OS keychain, one item per
// provider ("openai-api-key", "gemini-api-key", ...).
type KeyringManager struct {
	logger *logrus.Entry
}

// NewKeyringManager creates a new keyring manager
func NewKeyringManager(logger *logrus.Logger) *KeyringManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KeyringManager{logger: logger.WithField("component", "keyring")}
}

func keyringItem(provider string) string {
	if provider == "" {
		provider = "openai"
	}
	return provider + "-api-key"
}

// SaveAPIKey stores the API key for provider in the OS keychain.
func (km *KeyringManager) SaveAPIKey(provider, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("api key cannot be empty")
	}
	if err := keyring.Set(KeyringService, keyringItem(provider), apiKey); err != nil {
		km.logger.WithError(err).Error("Failed to save API key to keychain")
		return fmt.Errorf("failed to save to OS keychain: %w", err)
	}
	km.logger.WithField("provider", provider).Info("API key saved to keychain")
	return nil
}

// GetAPIKey retrieves the API key for provider. A missing key is not an
// error and yields "".
func (km *KeyringManager) GetAPIKey(provider string) (string, error) {
	apiKey, err := keyring.Get(KeyringService, keyringItem(provider))
	if stderrors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		km.logger.WithError(err).Debug("Failed to read API key from keychain")
		return "", fmt.Errorf("failed to read from OS keychain: %w", err)
	}
	return apiKey, nil
}

// DeleteAPIKey removes the API key for provider.
func (km *KeyringManager) DeleteAPIKey(provider string) error {
	err := keyring.Delete(KeyringService, keyringItem(provider))
	if stderrors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete from OS keychain: %w", err)
	}
	km.logger.WithField("provider", provider).Info("API key deleted from keychain")
	return nil
}

// IsAvailable checks if OS keychain is available
// Returns false on headless systems (CI/CD) where keychain isn't available
func (km *KeyringManager) IsAvailable() bool {
	_, err := keyring.Get(KeyringService, "test-availability")
	if err == nil || stderrors.Is(err, keyring.ErrNotFound) {
		return true
	}
	km.logger.WithError(err).Debug("Keychain not available")
	return false
}
