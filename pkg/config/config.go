// Package config loads the database configuration from versdb.toml at
// the database root. Every field has a default; a missing file is not an
// error.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up under the database root.
const FileName = "versdb.toml"

// Config 数据库配置
type Config struct {
	// LogLevel: debug|info|warn|error.
	LogLevel string `toml:"log_level"`
	// LogPath: empty logs to stderr.
	LogPath string `toml:"log_path"`
	// LockTimeoutSecs bounds write-lock acquisition.
	LockTimeoutSecs int `toml:"lock_timeout_secs"`
	// Index selects the secondary index backend.
	Index IndexConfig `toml:"index"`
}

// IndexConfig 索引后端配置
type IndexConfig struct {
	// Backend: hash|btree|badger.
	Backend string `toml:"backend"`
	// BTreeOrder for the btree backend; 0 = default (100).
	BTreeOrder uint16 `toml:"btree_order"`
	// Persistent mirrors the smart indices onto the backend.
	Persistent bool `toml:"persistent"`
	// SyncWrites makes the badger backend fsync每次写入.
	SyncWrites bool `toml:"sync_writes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:        "info",
		LockTimeoutSecs: 5,
		Index: IndexConfig{
			Backend:    "btree",
			BTreeOrder: 100,
		},
	}
}

// Load reads versdb.toml under basePath.
func Load(basePath string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(filepath.Join(basePath, FileName))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault swallows config errors and falls back to defaults.
func LoadOrDefault(basePath string) *Config {
	cfg, err := Load(basePath)
	if err != nil {
		return Default()
	}
	return cfg
}
