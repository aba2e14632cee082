package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"localrouter/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/localrouter"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns the user-level config directory.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// LoadConfig loads configuration from the specified directory. The directory
// should contain config.yaml; a missing file yields the defaults.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	cfg := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}

	normalizeTransports(&cfg)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config in %s: %w", configFilePath, err)
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s (%d providers, %d clients, %d mcp servers)",
		configFilePath, len(cfg.Providers), len(cfg.Clients), len(cfg.MCPServers))
	return cfg, nil
}

// normalizeTransports rewrites legacy transport tags. The historical "sse"
// variant deserializes as httpsse.
func normalizeTransports(c *Config) {
	for i := range c.MCPServers {
		if string(c.MCPServers[i].Transport) == "sse" {
			logging.Warn("ConfigLoader", "MCP server %s uses legacy transport tag \"sse\", treating as %q",
				c.MCPServers[i].Name, MCPTransportHTTPSSE)
			c.MCPServers[i].Transport = MCPTransportHTTPSSE
		}
	}
}
