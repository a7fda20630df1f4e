// Package logging builds the shared zap logger for the Butler daemon and CLI.
// The daemon writes structured JSON to ~/.butler/logs/butler.log; CLI
// commands log to stderr at warn level unless --verbose is set.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options control logger construction.
type Options struct {
	// LogDir is the directory for the daemon log file. Empty means
	// stderr-only (CLI mode).
	LogDir string

	// Verbose lowers the level to Debug.
	Verbose bool

	// Console mirrors log output to stderr in addition to the file.
	Console bool
}

// New builds a zap logger per opts. The caller owns Sync().
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	if opts.LogDir == "" {
		cfg.OutputPaths = []string{"stderr"}
		return cfg.Build()
	}

	if err := os.MkdirAll(opts.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile := filepath.Join(opts.LogDir, "butler.log")

	cfg.OutputPaths = []string{logFile}
	if opts.Console {
		cfg.OutputPaths = append(cfg.OutputPaths, "stderr")
	}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Nop returns a no-op logger for tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
