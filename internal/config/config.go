// Package config loads the optional mailduck.toml tuning file from the data
// directory. Every field has a default; flags override whatever is loaded.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the optional config file inside the data directory.
const FileName = "mailduck.toml"

type SyncConfig struct {
	PageSize int `toml:"page_size"`
	RPS      int `toml:"rps"`
}

type StatsConfig struct {
	Top int `toml:"top"`
}

type Config struct {
	Sync    SyncConfig    `toml:"sync"`
	Stats   StatsConfig   `toml:"stats"`
	Timeout time.Duration `toml:"-"`
	// TimeoutStr holds the raw duration string, parsed into Timeout.
	TimeoutStr string `toml:"timeout"`
}

// Default returns the built-in tuning values.
func Default() Config {
	return Config{
		Sync:    SyncConfig{PageSize: 500, RPS: 4},
		Stats:   StatsConfig{Top: 10},
		Timeout: 30 * time.Second,
	}
}

// Load reads <dataDir>/mailduck.toml if present, layered over the defaults.
// A missing file is not an error.
func Load(dataDir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(dataDir, FileName)
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	if cfg.TimeoutStr != "" {
		d, err := time.ParseDuration(cfg.TimeoutStr)
		if err != nil {
			return Config{}, fmt.Errorf("parse timeout in %s: %w", path, err)
		}
		cfg.Timeout = d
	}
	if err := ValidatePageSize(cfg.Sync.PageSize); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidatePageSize enforces the Gmail list page size bounds. Applies to both
// file values and flag overrides.
func ValidatePageSize(n int) error {
	if n <= 0 || n > 500 {
		return fmt.Errorf("page_size must be in 1..500, got %d", n)
	}
	return nil
}
