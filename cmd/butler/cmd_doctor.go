package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"butler/pkg/config"
	"butler/pkg/logging"
	"butler/pkg/throttle"

	"github.com/spf13/cobra"
)

// Check status constants.
const (
	statusOK   = "OK"
	statusFail = "FAIL"
)

// checkResult holds the outcome of one doctor check.
type checkResult struct {
	Name   string
	Status string
	Detail string
}

// newDoctorCmd creates the "butler doctor" subcommand. It verifies the
// environment the daemon needs: home layout, config, state database, vault,
// and the resource probes.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the butler environment is healthy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			results := runChecks(cmd.Context(), paths)

			failed := 0
			for _, r := range results {
				printCheck(cmd.OutOrStdout(), r)
				if r.Status != statusOK {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed; run 'butler init' to create missing pieces", failed)
			}
			return nil
		},
	}
}

// runChecks executes every doctor check in order. Later checks depend on
// earlier ones (config must load before the vault path can be verified), so
// a failure short-circuits its dependents with a pointer to the cause.
func runChecks(ctx context.Context, paths *Paths) []checkResult {
	var results []checkResult

	results = append(results, checkDir("butler home", paths.ButlerHome))
	results = append(results, checkDir("plugins dir", paths.PluginsDir))

	cfg, cfgErr := config.Load(paths.ConfigPath)
	if cfgErr != nil {
		results = append(results, checkResult{Name: "config", Status: statusFail, Detail: cfgErr.Error()})
	} else {
		results = append(results, checkResult{Name: "config", Status: statusOK, Detail: paths.ConfigPath})
	}

	if db, err := openDB(paths.StateDBPath); err != nil {
		results = append(results, checkResult{Name: "state db", Status: statusFail, Detail: err.Error()})
	} else {
		_ = db.Close()
		results = append(results, checkResult{Name: "state db", Status: statusOK, Detail: paths.StateDBPath})
	}

	if cfgErr != nil {
		results = append(results, checkResult{Name: "vault", Status: statusFail, Detail: "config did not load"})
	} else if vaultPath, err := config.ExpandPath(cfg.Vault.Path); err != nil {
		results = append(results, checkResult{Name: "vault", Status: statusFail, Detail: err.Error()})
	} else {
		results = append(results, checkDir("vault", vaultPath))
	}

	results = append(results, checkProbes(ctx, cfg))

	return results
}

// checkDir verifies a directory exists and is actually a directory.
func checkDir(name, path string) checkResult {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return checkResult{Name: name, Status: statusFail, Detail: path + " does not exist"}
	case err != nil:
		return checkResult{Name: name, Status: statusFail, Detail: err.Error()}
	case !info.IsDir():
		return checkResult{Name: name, Status: statusFail, Detail: path + " is not a directory"}
	default:
		return checkResult{Name: name, Status: statusOK, Detail: path}
	}
}

// checkProbes takes one live resource snapshot. The gate fails open on probe
// errors, so this reports the readings rather than pass/fail per sensor.
func checkProbes(ctx context.Context, cfg config.Config) checkResult {
	_, snap := throttle.NewGate(logging.Nop(), cfg.Throttle).Evaluate(ctx)

	power := "mains"
	if snap.OnBattery {
		power = fmt.Sprintf("battery %.0f%%", snap.BatteryLevel)
	}
	detail := fmt.Sprintf("cpu %.1f%%, free ram %d MiB, %s",
		snap.CPUPercent, snap.FreeRAMBytes/(1<<20), power)
	return checkResult{Name: "probes", Status: statusOK, Detail: detail}
}

// printCheck renders one check line.
func printCheck(w io.Writer, r checkResult) {
	fmt.Fprintf(w, "[%-4s] %-12s %s\n", r.Status, r.Name, r.Detail)
}
