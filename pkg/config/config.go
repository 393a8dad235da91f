package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the listen port used when PORT is not set.
	DefaultPort = 3000

	// PlaceholderSecret signs tokens when TOKEN_SECRET is not set.
	// It offers no security; the server warns loudly when it is in use.
	PlaceholderSecret = "blobs-secret"
)

// Config holds the service configuration.
type Config struct {
	Port        int    `yaml:"port"`
	Storage     string `yaml:"storage"`
	TokenSecret string `yaml:"token_secret"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

// Default returns the built-in configuration: port 3000, storage under the
// user-local data directory, the placeholder signing secret.
func Default() Config {
	return Config{
		Port:        DefaultPort,
		Storage:     defaultStorageDir(),
		TokenSecret: PlaceholderSecret,
		LogLevel:    "info",
	}
}

func defaultStorageDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "blobs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "blobs-data"
	}
	return filepath.Join(home, ".local", "share", "blobs")
}

// FromEnv overlays the TOKEN_SECRET, STORAGE and PORT environment variables
// onto the configuration.
func (c *Config) FromEnv() error {
	if secret := os.Getenv("TOKEN_SECRET"); secret != "" {
		c.TokenSecret = secret
	}
	if storage := os.Getenv("STORAGE"); storage != "" {
		c.Storage = storage
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("failed to parse PORT: %w", err)
		}
		c.Port = p
	}
	return nil
}

// LoadFile overlays settings from a YAML config file. Zero-valued fields in
// the file leave the current values untouched.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if file.Port != 0 {
		c.Port = file.Port
	}
	if file.Storage != "" {
		c.Storage = file.Storage
	}
	if file.TokenSecret != "" {
		c.TokenSecret = file.TokenSecret
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	if file.LogJSON {
		c.LogJSON = true
	}
	return nil
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Storage == "" {
		return fmt.Errorf("storage directory is not set")
	}
	if c.TokenSecret == "" {
		return fmt.Errorf("token secret is not set")
	}
	return nil
}

// InsecureSecret reports whether the placeholder signing secret is in use.
func (c *Config) InsecureSecret() bool {
	return c.TokenSecret == PlaceholderSecret
}
