package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"butler/pkg/config"
	"butler/pkg/protocol"

	"github.com/spf13/cobra"
)

// routerManifest is the default manifest for the built-in input router.
const routerManifest = `id: router
version: "1.0"
description: Routes captured input to a destination
enabled: true
listens:
  - input.received
emits:
  - note.routed
user_settings:
  default_destination:
    type: string
    default: daily
`

// dailyWriterManifest is the default manifest for the built-in daily note writer.
const dailyWriterManifest = `id: daily_writer
version: "1.0"
description: Appends routed notes to the daily note
enabled: true
dependencies:
  - router
listens:
  - note.routed
emits:
  - note.written
user_settings:
  timezone:
    type: string
    default: ""
`

// newInitCmd creates the "butler init" subcommand. It is idempotent: files
// that already exist are left alone and reported as "exists".
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the butler home directory, config, and default plugins",
		Long: `Creates ~/.butler (or BUTLER_HOME) with a default config.toml,
the plugins directory with the built-in manifests, and the vault daily folder.
Existing files are never overwritten.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			return runInit(cmd.OutOrStdout(), paths)
		},
	}
}

// runInit performs the init sequence against resolved paths.
func runInit(w io.Writer, paths *Paths) error {
	for _, dir := range []string{paths.ButlerHome, paths.PluginsDir, paths.LogsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	fmt.Fprintf(w, "home:    %s\n", paths.ButlerHome)

	cfg := config.Default()
	if _, err := os.Stat(paths.ConfigPath); os.IsNotExist(err) {
		if err := config.Save(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		fmt.Fprintf(w, "config:  %s (created)\n", paths.ConfigPath)
	} else {
		// Keep the user's config; read it so the vault path below is theirs.
		loaded, lerr := config.Load(paths.ConfigPath)
		if lerr != nil {
			return fmt.Errorf("load existing config: %w", lerr)
		}
		cfg = loaded
		fmt.Fprintf(w, "config:  %s (exists)\n", paths.ConfigPath)
	}

	manifests := map[string]string{
		"router":       routerManifest,
		"daily_writer": dailyWriterManifest,
	}
	for id, content := range manifests {
		dir := filepath.Join(paths.PluginsDir, id)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create plugin dir %s: %w", dir, err)
		}
		manifestPath := filepath.Join(dir, "plugin.yaml")
		if _, err := os.Stat(manifestPath); err == nil {
			fmt.Fprintf(w, "plugin:  %s (exists)\n", id)
			continue
		}
		if err := os.WriteFile(manifestPath, []byte(content), 0o600); err != nil {
			return fmt.Errorf("write manifest for %s: %w", id, err)
		}
		fmt.Fprintf(w, "plugin:  %s (created)\n", id)
	}

	vaultPath, err := config.ExpandPath(cfg.Vault.Path)
	if err != nil {
		return fmt.Errorf("expand vault path: %w", err)
	}
	dailyDir := filepath.Join(vaultPath, protocol.DailyDir)
	if err := os.MkdirAll(dailyDir, 0o750); err != nil {
		return fmt.Errorf("create daily dir %s: %w", dailyDir, err)
	}
	fmt.Fprintf(w, "vault:   %s\n", vaultPath)

	return nil
}
