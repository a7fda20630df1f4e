package main

import (
	"fmt"
	"os"
	"path/filepath"

	"butler/pkg/protocol"
)

// Paths holds all resolved butler state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	ButlerHome  string // ~/.butler or BUTLER_HOME
	StateDBPath string // state.db or BUTLER_DB_PATH
	ConfigPath  string // config.toml or BUTLER_CONFIG
	PluginsDir  string // plugins/ (respects BUTLER_HOME)
	LogsDir     string // logs/ (respects BUTLER_HOME)
}

// ResolvePaths returns all butler paths, respecting env var overrides.
// Environment variables:
//   - BUTLER_HOME: base directory for all butler state (default: ~/.butler)
//   - BUTLER_DB_PATH: state database (default: $BUTLER_HOME/state.db)
//   - BUTLER_CONFIG: config file (default: $BUTLER_HOME/config.toml)
//
// If BUTLER_HOME is set, it becomes the base for all default paths.
// Specific env vars (BUTLER_DB_PATH, etc.) override both the default and
// the BUTLER_HOME base.
func ResolvePaths() (*Paths, error) {
	butlerHome, err := resolveButlerHome()
	if err != nil {
		return nil, err
	}

	paths := &Paths{
		ButlerHome:  butlerHome,
		StateDBPath: resolvePathWithEnv("BUTLER_DB_PATH", butlerHome, "state.db"),
		ConfigPath:  resolvePathWithEnv("BUTLER_CONFIG", butlerHome, "config.toml"),
		PluginsDir:  filepath.Join(butlerHome, "plugins"),
		LogsDir:     filepath.Join(butlerHome, "logs"),
	}

	return paths, nil
}

// resolveButlerHome returns the butler home directory from BUTLER_HOME or ~/.butler.
func resolveButlerHome() (string, error) {
	if v := os.Getenv("BUTLER_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.ButlerDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
