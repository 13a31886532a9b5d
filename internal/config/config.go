// Package config handles loading, validating, and writing the rubberduckd
// server configuration from rubberduckd.yaml.
//
// The config covers only process-wide knobs: where the management API
// listens, where the sqlite store lives, the default AWS region used for
// Bedrock signing when a request doesn't name its own (X-AWS-Region header), and cache size
// limits. Per-proxy settings (provider, port, failure config) live in the
// store, not in this file — they are created and mutated through the
// management API, not by editing YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level rubberduckd configuration.
type Config struct {
	Server       ServerConfig `yaml:"server"`
	Store        StoreConfig  `yaml:"store"`
	Bedrock      BedrockConfig `yaml:"bedrock"`
	Cache        CacheConfig  `yaml:"cache"`
}

// ServerConfig defines where the management API listens. Management
// traffic and proxy traffic never share a listener (spec §9).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig points at the persistent store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// BedrockConfig holds signing defaults used when a Bedrock proxy's
// request doesn't otherwise determine a region.
type BedrockConfig struct {
	DefaultRegion string `yaml:"defaultRegion"`
}

// CacheConfig bounds the content-addressed response cache.
type CacheConfig struct {
	MaxEntryBytes int64 `yaml:"maxEntryBytes"`
}

// Load reads and parses rubberduckd.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default rubberduckd.yaml with all fields populated.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# rubberduckd configuration
#
# server: management API bind address — never the same listener as proxy traffic.
# store:  path to the sqlite database file.
# bedrock.defaultRegion: region used for SigV4 signing when a request sends no X-AWS-Region header.
# cache.maxEntryBytes: responses larger than this are forwarded but not cached.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7890,
		},
		Store: StoreConfig{
			Path: "rubberduck.db",
		},
		Bedrock: BedrockConfig{
			DefaultRegion: "us-east-1",
		},
		Cache: CacheConfig{
			MaxEntryBytes: 8 << 20, // 8 MiB
		},
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if cfg.Bedrock.DefaultRegion == "" {
		return fmt.Errorf("bedrock.defaultRegion must not be empty")
	}
	if cfg.Cache.MaxEntryBytes <= 0 {
		return fmt.Errorf("cache.maxEntryBytes must be positive")
	}
	return nil
}
