// Package config loads the Butler daemon configuration from
// ~/.butler/config.toml and merges it over built-in defaults. Plugin
// user settings declared in manifests are resolved against the [plugins]
// table at enable time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full daemon configuration.
type Config struct {
	Vault    VaultConfig    `toml:"vault"`
	Queue    QueueConfig    `toml:"queue"`
	Throttle ThrottleConfig `toml:"throttle"`
	Write    WriteConfig    `toml:"write"`
	Logging  LoggingConfig  `toml:"logging"`

	// Plugins holds per-plugin setting overrides keyed by plugin id.
	Plugins map[string]map[string]any `toml:"plugins"`
}

// VaultConfig locates the user's document store.
type VaultConfig struct {
	// Path is the vault root. Supports a leading ~.
	Path string `toml:"path"`

	// DailyFormat is the file name layout for daily notes (Go time layout).
	DailyFormat string `toml:"daily_format"`
}

// QueueConfig tunes the durable task queue.
type QueueConfig struct {
	Workers         int      `toml:"workers"`
	RetryDelay      Duration `toml:"retry_delay"`
	DefaultAttempts int      `toml:"default_attempts"`
	ReevalInterval  Duration `toml:"reeval_interval"`
	StarvationAfter Duration `toml:"starvation_after"`
}

// ThrottleConfig sets the admission thresholds for resource-sensitive tasks.
type ThrottleConfig struct {
	MaxCPUPercent   float64  `toml:"max_cpu_percent"`
	MinFreeRAMBytes uint64   `toml:"min_free_ram_bytes"`
	HeavyProcesses  []string `toml:"heavy_processes"`
	MinBatteryLevel float64  `toml:"min_battery_percent"`
}

// WriteConfig tunes the safe write protocol.
type WriteConfig struct {
	RecencyWindow     Duration `toml:"recency_window"`
	MaxAttempts       int      `toml:"max_attempts"`
	RetryInterval     Duration `toml:"retry_interval"`
	ReconcileInterval Duration `toml:"reconcile_interval"`
}

// LoggingConfig controls daemon log output.
type LoggingConfig struct {
	Verbose bool `toml:"verbose"`
	Console bool `toml:"console"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Vault: VaultConfig{
			Path:        "~/Documents/Vault",
			DailyFormat: "2006-01-02",
		},
		Queue: QueueConfig{
			Workers:         2,
			RetryDelay:      Duration(time.Minute),
			DefaultAttempts: 3,
			ReevalInterval:  Duration(30 * time.Second),
			StarvationAfter: Duration(30 * time.Minute),
		},
		Throttle: ThrottleConfig{
			MaxCPUPercent:   60,
			MinFreeRAMBytes: 1 << 30, // 1 GiB
			HeavyProcesses:  []string{"whisper", "ollama", "llama-server"},
			MinBatteryLevel: 30,
		},
		Write: WriteConfig{
			RecencyWindow:     Duration(2 * time.Second),
			MaxAttempts:       3,
			RetryInterval:     Duration(time.Minute),
			ReconcileInterval: Duration(5 * time.Minute),
		},
		Plugins: map[string]map[string]any{},
	}
}

// Load reads path and merges it over Default. A missing file is not an
// error: defaults are returned and the caller may write them with Save.
// BUTLER_VAULT overrides the vault path from either source.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // path comes from resolved butler home
	if os.IsNotExist(err) {
		return cfg.withEnv(), nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults().withEnv(), nil
}

// withEnv applies environment overrides that outrank the config file.
func (c Config) withEnv() Config {
	if v := os.Getenv("BUTLER_VAULT"); v != "" {
		c.Vault.Path = v
	}
	return c
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// withDefaults fills zero values with defaults so a sparse user file
// cannot disable whole subsystems by accident.
func (c Config) withDefaults() Config {
	def := Default()
	out := c
	if out.Vault.Path == "" {
		out.Vault.Path = def.Vault.Path
	}
	if out.Vault.DailyFormat == "" {
		out.Vault.DailyFormat = def.Vault.DailyFormat
	}
	if out.Queue.Workers == 0 {
		out.Queue.Workers = def.Queue.Workers
	}
	if out.Queue.RetryDelay == 0 {
		out.Queue.RetryDelay = def.Queue.RetryDelay
	}
	if out.Queue.DefaultAttempts == 0 {
		out.Queue.DefaultAttempts = def.Queue.DefaultAttempts
	}
	if out.Queue.ReevalInterval == 0 {
		out.Queue.ReevalInterval = def.Queue.ReevalInterval
	}
	if out.Queue.StarvationAfter == 0 {
		out.Queue.StarvationAfter = def.Queue.StarvationAfter
	}
	if out.Throttle.MaxCPUPercent == 0 {
		out.Throttle.MaxCPUPercent = def.Throttle.MaxCPUPercent
	}
	if out.Throttle.MinFreeRAMBytes == 0 {
		out.Throttle.MinFreeRAMBytes = def.Throttle.MinFreeRAMBytes
	}
	if out.Throttle.HeavyProcesses == nil {
		out.Throttle.HeavyProcesses = def.Throttle.HeavyProcesses
	}
	if out.Throttle.MinBatteryLevel == 0 {
		out.Throttle.MinBatteryLevel = def.Throttle.MinBatteryLevel
	}
	if out.Write.RecencyWindow == 0 {
		out.Write.RecencyWindow = def.Write.RecencyWindow
	}
	if out.Write.MaxAttempts == 0 {
		out.Write.MaxAttempts = def.Write.MaxAttempts
	}
	if out.Write.RetryInterval == 0 {
		out.Write.RetryInterval = def.Write.RetryInterval
	}
	if out.Write.ReconcileInterval == 0 {
		out.Write.ReconcileInterval = def.Write.ReconcileInterval
	}
	if out.Plugins == nil {
		out.Plugins = map[string]map[string]any{}
	}
	return out
}

// ExpandPath resolves a leading ~ against the user's home directory.
func ExpandPath(p string) (string, error) {
	if len(p) == 0 || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	if p == "~" {
		return home, nil
	}
	return filepath.Join(home, p[2:]), nil
}

// PluginSettings merges a plugin's declared defaults with the [plugins.<id>]
// overrides from the user config. Declared defaults come first so an
// override always wins.
func (c Config) PluginSettings(pluginID string, declared map[string]any) map[string]any {
	merged := make(map[string]any, len(declared))
	for k, v := range declared {
		merged[k] = v
	}
	for k, v := range c.Plugins[pluginID] {
		merged[k] = v
	}
	return merged
}
