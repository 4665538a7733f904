// Package config provides configuration management for the qf application.
//
// This package handles all configuration-related functionality including:
//   - Hub client settings (endpoint, token, revision)
//   - Hub server settings (host, port, upload token)
//   - Storage paths (config directory, repository store, download cache)
//
// Values come from built-in defaults, then an optional YAML file, then
// environment variables (see LoadConfig).
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultServerHost is the default hub server host address.
	// The server listens on localhost by default.
	DefaultServerHost = "localhost"

	// DefaultServerPort is the default hub server port.
	DefaultServerPort = 11590

	// DefaultRevision is the repository revision used when none is configured.
	DefaultRevision = "main"

	// DefaultConfigDirName is the configuration directory created in the
	// user's home directory.
	DefaultConfigDirName = ".qf"

	// DefaultConfigFileName is the YAML file looked up in the config directory.
	DefaultConfigFileName = "config.yaml"

	// DefaultDataDirName is the data subdirectory of the config directory.
	DefaultDataDirName = "data"

	// DefaultReposDir holds repositories served by `qf serve`.
	DefaultReposDir = "repos"

	// DefaultCacheDir holds repositories downloaded by `qf pull`.
	DefaultCacheDir = "cache"
)

// Config represents the complete application configuration.
type Config struct {
	// Hub configures the client used by push and pull.
	Hub HubConfig `yaml:"hub"`

	// Server configures `qf serve`.
	Server ServerConfig `yaml:"server"`

	// Storage holds local directories.
	Storage StorageConfig `yaml:"storage"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
}

// HubConfig represents the hub client configuration.
type HubConfig struct {
	// Endpoint is the hub base URL, e.g. "http://localhost:11590".
	// An empty endpoint makes push and pull use the local repository store.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Token is the bearer token sent with uploads.
	Token string `yaml:"token,omitempty"`

	// Revision is the branch pushed to and pulled from.
	Revision string `yaml:"revision,omitempty"`
}

// ServerConfig represents the hub server configuration.
type ServerConfig struct {
	// Host is the listen address (e.g., "localhost", "0.0.0.0").
	Host string `yaml:"host"`

	// Port is the TCP port the server listens on.
	Port int `yaml:"port"`

	// Token, when set, is required on uploads.
	Token string `yaml:"token,omitempty"`
}

// StorageConfig represents the storage configuration.
type StorageConfig struct {
	// ConfigDir is the configuration directory, e.g. "/home/user/.qf".
	ConfigDir string `yaml:"config_dir"`

	// DataDir is the data directory, e.g. "/home/user/.qf/data".
	DataDir string `yaml:"data_dir"`
}

// GetReposDir returns the directory of the local repository store.
// Example: ~/.qf/data/repos
func (s *StorageConfig) GetReposDir() string {
	return filepath.Join(s.DataDir, DefaultReposDir)
}

// GetCacheDir returns the download cache directory.
// Example: ~/.qf/data/cache
func (s *StorageConfig) GetCacheDir() string {
	return filepath.Join(s.DataDir, DefaultCacheDir)
}

// NewDefaultConfig creates a configuration with default values:
//   - Hub: no endpoint (local store), revision "main"
//   - Server: localhost:11590
//   - ConfigDir: ~/.qf, DataDir: ~/.qf/data
func NewDefaultConfig() *Config {
	return NewConfigWithCustomDirs("", "")
}

// NewConfigWithCustomDirs creates a default configuration with custom
// directories. An empty configDir uses ~/.qf; an empty dataDir uses
// configDir/data.
func NewConfigWithCustomDirs(configDir, dataDir string) *Config {
	if configDir == "" {
		configDir = defaultConfigDir()
	}
	if dataDir == "" {
		dataDir = filepath.Join(configDir, DefaultDataDirName)
	}

	return &Config{
		Hub: HubConfig{
			Revision: DefaultRevision,
		},
		Server: ServerConfig{
			Host: DefaultServerHost,
			Port: DefaultServerPort,
		},
		Storage: StorageConfig{
			ConfigDir: configDir,
			DataDir:   dataDir,
		},
		LogLevel: "info",
	}
}

// GetServerAddress returns the listen address "host:port".
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetServerURL returns the server URL "http://host:port".
func (c *Config) GetServerURL() string {
	return "http://" + c.GetServerAddress()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Hub.Revision == "" {
		return fmt.Errorf("hub.revision is required")
	}
	return nil
}

// EnsureDirectories creates the data, repository and cache directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.GetReposDir(),
		c.Storage.GetCacheDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func defaultConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	return filepath.Join(homeDir, DefaultConfigDirName)
}
