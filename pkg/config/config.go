// Package config loads node configuration from JSON or YAML files with
// MEDIASHARE_* environment fallbacks.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mediashare/pkg/hashing"
	"mediashare/pkg/storage"
	"mediashare/pkg/utils"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir       = "./data"
	DefaultListenAddress = ":7070"
)

type Config struct {
	// DataDir holds the SQLite database and the blob directory.
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// ListenAddress serves the local store to peers. Empty disables it.
	ListenAddress string `json:"listen_address" yaml:"listen_address"`
	// Peers are dialed at startup. The first peer carries shares,
	// downloads and streams; all of them are searched.
	Peers []string `json:"peers" yaml:"peers"`

	HashAlgorithm string         `json:"hash_algorithm" yaml:"hash_algorithm"`
	Compression   string         `json:"compression" yaml:"compression"`
	ChunkSize     utils.DataSize `json:"chunk_size" yaml:"chunk_size"`
	MaxStorage    utils.DataSize `json:"max_storage" yaml:"max_storage"`

	// MetricsAddress serves /metrics and /health. Empty disables it.
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
	// MountPoint, when set, exposes the store read-only over FUSE.
	MountPoint string `json:"mount_point" yaml:"mount_point"`
}

func Default() *Config {
	return &Config{
		DataDir:       DefaultDataDir,
		ListenAddress: DefaultListenAddress,
		HashAlgorithm: string(hashing.SHA256),
		Compression:   string(storage.CompressionNone),
	}
}

// Load reads path as YAML when its extension is .yaml or .yml and as JSON
// otherwise. Unset fields keep their defaults, then environment variables
// fill whatever the file left empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a config from defaults and MEDIASHARE_* variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	fill := func(field *string, key string) {
		if *field == "" || *field == defaultFor(key) {
			*field = getEnv(key, *field)
		}
	}
	fill(&c.DataDir, "MEDIASHARE_DATA_DIR")
	fill(&c.ListenAddress, "MEDIASHARE_LISTEN_ADDRESS")
	fill(&c.HashAlgorithm, "MEDIASHARE_HASH_ALGORITHM")
	fill(&c.Compression, "MEDIASHARE_COMPRESSION")
	fill(&c.MetricsAddress, "MEDIASHARE_METRICS_ADDRESS")
	fill(&c.MountPoint, "MEDIASHARE_MOUNT_POINT")

	if len(c.Peers) == 0 {
		// Comma separated: alice:7070,bob:7070
		for _, peer := range strings.Split(os.Getenv("MEDIASHARE_PEERS"), ",") {
			if peer = strings.TrimSpace(peer); peer != "" {
				c.Peers = append(c.Peers, peer)
			}
		}
	}

	if c.MaxStorage == 0 {
		if v := os.Getenv("MEDIASHARE_MAX_STORAGE"); v != "" {
			n, err := utils.ParseDataSize(v)
			if err != nil {
				return fmt.Errorf("invalid MEDIASHARE_MAX_STORAGE: %w", err)
			}
			c.MaxStorage = utils.DataSize(n)
		}
	}
	return nil
}

func defaultFor(key string) string {
	switch key {
	case "MEDIASHARE_DATA_DIR":
		return DefaultDataDir
	case "MEDIASHARE_LISTEN_ADDRESS":
		return DefaultListenAddress
	case "MEDIASHARE_HASH_ALGORITHM":
		return string(hashing.SHA256)
	case "MEDIASHARE_COMPRESSION":
		return string(storage.CompressionNone)
	}
	return ""
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := hashing.New(hashing.Algorithm(c.HashAlgorithm)); err != nil {
		return fmt.Errorf("invalid hash_algorithm: %w", err)
	}
	if _, err := storage.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("invalid compression: %w", err)
	}
	if c.ChunkSize < 0 || c.MaxStorage < 0 {
		return fmt.Errorf("sizes must not be negative")
	}
	for _, peer := range c.Peers {
		if !strings.Contains(peer, ":") {
			return fmt.Errorf("peer %q must be host:port", peer)
		}
	}
	return nil
}

// DatabasePath is where the content database lives inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "content.db")
}

// BlobDir is where payload chunks live inside DataDir.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
