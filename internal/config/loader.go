package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tsingmao/qfilter/internal/logger"
)

// Environment variables consulted by LoadConfig.
const (
	EnvConfig      = "QF_CONFIG"
	EnvHubEndpoint = "QF_HUB_ENDPOINT"
	EnvHubToken    = "QF_HUB_TOKEN"
	EnvHubRevision = "QF_HUB_REVISION"
	EnvServerPort  = "QF_SERVER_PORT"
	EnvServerToken = "QF_SERVER_TOKEN"
	EnvDataDir     = "QF_DATA_DIR"
	EnvLogLevel    = "QF_LOG_LEVEL"
)

// LoadConfig builds the configuration from defaults, a YAML file and the
// environment, in that order of precedence (later wins).
//
// Configuration File Location Priority:
//  1. Provided configPath parameter (must exist)
//  2. QF_CONFIG environment variable (must exist)
//  3. ~/.qf/config.yaml (optional)
//
// Parameters:
//   - configPath: Optional path to the configuration file
//
// Returns:
//   - Pointer to the loaded Config
//   - Error if an explicit file is missing, unparsable or invalid
func LoadConfig(configPath string) (*Config, error) {
	cfg := NewDefaultConfig()

	path := configPath
	required := true
	if path == "" {
		if envPath := os.Getenv(EnvConfig); envPath != "" {
			path = envPath
			logger.Debug("Using config from %s: %s", EnvConfig, path)
		} else {
			path = filepath.Join(cfg.Storage.ConfigDir, DefaultConfigFileName)
			required = false
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML %s: %w", path, err)
		}
		logger.Debug("Loaded configuration from %s", path)
	case os.IsNotExist(err) && !required:
		logger.Debug("No configuration file at %s, using defaults", path)
	case os.IsNotExist(err):
		return nil, fmt.Errorf("configuration file not found: %s", path)
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// A data_dir set in the file without config_dir still derives from defaults.
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = filepath.Join(cfg.Storage.ConfigDir, DefaultDataDirName)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvHubEndpoint); v != "" {
		cfg.Hub.Endpoint = v
	}
	if v := os.Getenv(EnvHubToken); v != "" {
		cfg.Hub.Token = v
	}
	if v := os.Getenv(EnvHubRevision); v != "" {
		cfg.Hub.Revision = v
	}
	if v := os.Getenv(EnvServerToken); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvServerPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvServerPort, v, err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// SaveConfig writes cfg to path as YAML, creating parent directories.
func SaveConfig(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Tokens may be present; keep the file private.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	logger.Info("Saved configuration to %s", path)
	return nil
}
