package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the user's persistent configuration preferences.
type Config struct {
	BitbucketClientID     string `json:"bitbucket_client_id,omitempty"`     // OAuth consumer key
	BitbucketClientSecret string `json:"bitbucket_client_secret,omitempty"` // OAuth consumer secret
	BitbucketBaseURL      string `json:"bitbucket_base_url,omitempty"`      // Optional API base override
	LLMProvider           string `json:"llm_provider,omitempty"`            // openai or anthropic
	APIKey                string `json:"api_key,omitempty"`                 // The API key for the selected provider
	Model                 string `json:"model,omitempty"`                   // Default model name
	BaseURL               string `json:"base_url,omitempty"`                // Optional override for LLM API base URL
	EmbeddingKey          string `json:"embedding_key,omitempty"`           // Optional separate key for embeddings
	DataDir               string `json:"data_dir,omitempty"`                // Where the database and indexes live
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a new configuration manager.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}

	return &Manager{
		configDir: filepath.Join(configDir, "lorekeep"),
	}, nil
}

// GetConfigPath returns the absolute path to the config.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// Load reads the configuration from disk.
// If the file does not exist, it returns an empty Config and no error.
func (m *Manager) Load() (*Config, error) {
	path := m.GetConfigPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to disk with restricted permissions (0600).
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := m.GetConfigPath()
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}

// ResolveDataDir returns the configured data directory, defaulting to
// a "lorekeep" folder under the user cache dir.
func (m *Manager) ResolveDataDir(cfg *Config) (string, error) {
	if cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache dir: %w", err)
	}
	return filepath.Join(cacheDir, "lorekeep"), nil
}
