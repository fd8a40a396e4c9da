// Package config loads the daemon configuration: defaults, then the
// yaml file, then environment overrides, then validation.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"livecache/internal/bridge"
	mongosource "livecache/internal/source/mongo"
	natstransport "livecache/internal/transport/nats"
)

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
)

// TransportConfig selects and configures the change-event transport.
type TransportConfig struct {
	Kind string               `yaml:"kind"` // memory, nats
	NATS natstransport.Config `yaml:"nats"`
}

// SourceConfig configures the optional change producer.
type SourceConfig struct {
	Enabled bool               `yaml:"enabled"`
	Mongo   mongosource.Config `yaml:"mongo"`
}

// Config holds the application configuration
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Transport TransportConfig `yaml:"transport"`
	Source    SourceConfig    `yaml:"source"`
	Bridge    bridge.Config   `yaml:"bridge"`
}

func Default() *Config {
	return &Config{
		Logging: DefaultLoggingConfig(),
		Transport: TransportConfig{
			Kind: TransportMemory,
			NATS: natstransport.DefaultConfig(),
		},
		Source: SourceConfig{
			Mongo: mongosource.DefaultConfig(),
		},
		Bridge: bridge.DefaultConfig(),
	}
}

// Load builds the configuration: defaults -> yaml file (optional) ->
// env overrides -> validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.Logging.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LIVECACHE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LIVECACHE_TRANSPORT"); v != "" {
		c.Transport.Kind = v
	}
	if v := os.Getenv("LIVECACHE_NATS_URL"); v != "" {
		c.Transport.NATS.URL = v
	}
	if v := os.Getenv("LIVECACHE_MONGO_URI"); v != "" {
		c.Source.Mongo.URI = v
	}
	if v := os.Getenv("LIVECACHE_MONGO_DB"); v != "" {
		c.Source.Mongo.Database = v
	}
	if v := os.Getenv("LIVECACHE_BRIDGE_ADDR"); v != "" {
		c.Bridge.Addr = v
	}
	if v := os.Getenv("LIVECACHE_BRIDGE_JWT_SECRET"); v != "" {
		c.Bridge.JWTSecret = v
	}
	if v := os.Getenv("LIVECACHE_DEBUG_PASSWORD_HASH"); v != "" {
		c.Bridge.DebugPasswordHash = v
	}
}

func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportMemory, TransportNATS:
	default:
		return fmt.Errorf("config: unknown transport kind %q", c.Transport.Kind)
	}
	if c.Bridge.JWTSecret == "" {
		return fmt.Errorf("config: bridge.jwt_secret is required")
	}
	if c.Source.Enabled && len(c.Source.Mongo.Collections) == 0 {
		return fmt.Errorf("config: source.mongo.collections must not be empty when the source is enabled")
	}
	return nil
}
