package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Load reads and merges configuration.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed JSON
// returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(xdg.DataHome, "hive")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath returns the conventional global config location,
// $XDG_CONFIG_HOME/hive/config.json.
func GlobalPath() string {
	return filepath.Join(xdg.ConfigHome, "hive", "config.json")
}

// ProjectPath returns the conventional project config location,
// .hive/config.json relative to the working directory.
func ProjectPath() string {
	return filepath.Join(".hive", "config.json")
}

// LoadDefault loads configuration from the conventional paths.
// A .env file in the cwd is loaded first if present.
func LoadDefault() (*Config, error) {
	_ = godotenv.Load()
	return Load(GlobalPath(), ProjectPath())
}

// mergeConfigFile layers one JSON config file onto base. A file that does
// not exist is skipped; a file that exists must parse. Unmarshalling over
// the base overwrites only the fields the file sets and merges map entries
// per key, so a project file can override one worker pool without
// redeclaring the rest.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
