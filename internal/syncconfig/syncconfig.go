// Package syncconfig manages the device-local configuration files at
// ~/.config/clinsync: sync settings, server credentials, and the device
// identity.
package syncconfig

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SyncConfig holds sync-related settings.
type SyncConfig struct {
	URL       string `json:"url"`
	Enabled   bool   `json:"enabled"`
	BatchSize *int   `json:"batch_size,omitempty"`
}

// ArchiveConfig holds conflict-archive settings.
type ArchiveConfig struct {
	// Encrypt turns on at-rest encryption of archived conflict payloads.
	Encrypt bool   `json:"encrypt"`
	Salt    string `json:"salt,omitempty"` // hex, generated on first use
}

// Config is the global config stored at ~/.config/clinsync/config.json.
type Config struct {
	Sync    SyncConfig    `json:"sync"`
	Archive ArchiveConfig `json:"archive"`
}

// AuthCredentials stores authentication state at ~/.config/clinsync/auth.json.
type AuthCredentials struct {
	APIKey    string `json:"api_key"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	ServerURL string `json:"server_url"`
	DeviceID  string `json:"device_id"`
}

const defaultServerURL = "http://localhost:8686"

// ConfigDir returns ~/.config/clinsync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "clinsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config from ~/.config/clinsync/config.json.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config to ~/.config/clinsync/config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads auth credentials from ~/.config/clinsync/auth.json.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes auth credentials to ~/.config/clinsync/auth.json (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// ClearAuth removes the auth.json file.
func ClearAuth() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetServerURL returns the record server URL.
// Priority: CLINSYNC_SYNC_URL env > auth.json > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("CLINSYNC_SYNC_URL"); v != "" {
		return v
	}
	if creds, err := LoadAuth(); err == nil && creds != nil && creds.ServerURL != "" {
		return creds.ServerURL
	}
	if cfg, err := LoadConfig(); err == nil && cfg.Sync.URL != "" {
		return cfg.Sync.URL
	}
	return defaultServerURL
}

// GetAPIKey returns the stored API key, or "" when not linked.
func GetAPIKey() string {
	creds, err := LoadAuth()
	if err != nil || creds == nil {
		return ""
	}
	return creds.APIKey
}

// GetUserID returns the stored acting user ID, or "" when not linked.
// CLINSYNC_USER_ID overrides for shared-workstation setups.
func GetUserID() string {
	if v := os.Getenv("CLINSYNC_USER_ID"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err != nil || creds == nil {
		return ""
	}
	return creds.UserID
}

// GetDeviceID returns the stable device identity, generating and
// persisting one on first use.
func GetDeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &AuthCredentials{}
	}
	if creds.DeviceID != "" {
		return creds.DeviceID, nil
	}

	creds.DeviceID, err = GenerateDeviceID()
	if err != nil {
		return "", err
	}
	if err := SaveAuth(creds); err != nil {
		return "", err
	}
	return creds.DeviceID, nil
}

// GenerateDeviceID creates a random device identity.
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
