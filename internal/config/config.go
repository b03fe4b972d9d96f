// Package config reads and writes the global ~/.chatsync/config.toml.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration.
type Config struct {
	Profile string       `toml:"profile"`
	API     APIConfig    `toml:"api"`
	Upload  UploadConfig `toml:"upload"`
}

// APIConfig locates the chat backend. Token and UserID feed the static
// token provider; a real deployment swaps in a refreshing provider.
type APIConfig struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
	Token     string `toml:"token"`
	UserID    string `toml:"user_id"`
}

// UploadConfig bounds attachment uploads. Violations fail locally before
// any network call is made.
type UploadConfig struct {
	MaxFiles     int      `toml:"max_files"`
	MaxFileBytes int64    `toml:"max_file_bytes"`
	AllowedExts  []string `toml:"allowed_exts"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Profile: "default",
		Upload: UploadConfig{
			MaxFiles:     5,
			MaxFileBytes: 10 << 20,
			AllowedExts:  []string{".jpg", ".jpeg", ".png", ".gif", ".pdf"},
		},
	}
}

// Load reads config from the given path.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
