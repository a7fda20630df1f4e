package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"butler/pkg/config"
	"butler/pkg/eventlog"
	"butler/pkg/logging"
	"butler/pkg/protocol"
	"butler/pkg/safewrite"
	"butler/pkg/taskqueue"
	"butler/pkg/throttle"
	"butler/pkg/vault"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// statusStyles holds the lipgloss styles for status output. When stdout is
// not a TTY every style is a no-op so piped output stays plain.
type statusStyles struct {
	header lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	muted  lipgloss.Style
}

func newStatusStyles(colored bool) statusStyles {
	if !colored {
		s := lipgloss.NewStyle()
		return statusStyles{header: s, ok: s, warn: s, muted: s}
	}
	return statusStyles{
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// newStatusCmd creates the "butler status" subcommand. It reads the state
// database directly, so it works whether or not the daemon is running.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, vault index size, and system pressure",
		Long: `Displays task queue counts, the number of indexed vault files,
pending fallback writes, and a live resource snapshot.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := openDB(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			colored := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
			styles := newStatusStyles(colored)

			counts, err := taskqueue.NewStore(db).Counts(ctx)
			if err != nil {
				return fmt.Errorf("query task counts: %w", err)
			}
			indexed, err := vault.NewHashCache(db).Count(ctx)
			if err != nil {
				return fmt.Errorf("query hash cache: %w", err)
			}
			parked, err := safewrite.NewFallbackStore(db).Count(ctx)
			if err != nil {
				return fmt.Errorf("query fallback writes: %w", err)
			}

			fmt.Fprintln(out, styles.header.Render("Task queue"))
			for _, st := range []protocol.TaskState{
				protocol.TaskPending, protocol.TaskRunning, protocol.TaskDeferred,
				protocol.TaskSucceeded, protocol.TaskFailed,
			} {
				fmt.Fprintf(out, "  %-10s %d\n", st, counts[st])
			}

			printPluginStates(cmd, paths, styles, out)

			fmt.Fprintln(out, styles.header.Render("Vault"))
			fmt.Fprintf(out, "  path       %s\n", styles.muted.Render(cfg.Vault.Path))
			fmt.Fprintf(out, "  indexed    %d files\n", indexed)
			parkedLine := fmt.Sprintf("  parked     %d writes", parked)
			if parked > 0 {
				parkedLine = styles.warn.Render(parkedLine)
			}
			fmt.Fprintln(out, parkedLine)

			fmt.Fprintln(out, styles.header.Render("System"))
			dec, snap := throttle.NewGate(logging.Nop(), cfg.Throttle).Evaluate(ctx)
			fmt.Fprintf(out, "  cpu        %.1f%%\n", snap.CPUPercent)
			fmt.Fprintf(out, "  free ram   %d MiB\n", snap.FreeRAMBytes/(1<<20))
			if snap.OnBattery {
				fmt.Fprintf(out, "  battery    %.0f%% (discharging)\n", snap.BatteryLevel)
			} else {
				fmt.Fprintln(out, "  battery    mains power")
			}
			if len(snap.HeavyProcs) > 0 {
				fmt.Fprintf(out, "  heavy      %s\n", strings.Join(snap.HeavyProcs, ", "))
			}
			if dec.Proceed {
				fmt.Fprintf(out, "  gate       %s\n", styles.ok.Render("open"))
			} else {
				fmt.Fprintf(out, "  gate       %s\n", styles.warn.Render("throttled: "+dec.Reason))
			}

			return nil
		},
	}
}

// printPluginStates derives each plugin's last lifecycle transition from the
// audit log. The daemon holds live states in memory; the newest
// enabled/disabled/failed event per plugin is the on-disk view of them.
func printPluginStates(cmd *cobra.Command, paths *Paths, styles statusStyles, out io.Writer) {
	reader, err := eventlog.NewReader(paths.StateDBPath)
	if err != nil {
		return
	}
	defer func() { _ = reader.Close() }()

	events, err := reader.Query(cmd.Context(), eventlog.QueryOpts{Source: "plugins", Limit: 50})
	if err != nil || len(events) == 0 {
		return
	}

	type lifecycle struct {
		state  string
		detail string
	}
	latest := map[string]lifecycle{}
	var order []string
	for _, evt := range events { // newest first: first hit per plugin wins
		var payload struct {
			Plugin string `json:"plugin"`
			Error  string `json:"error"`
		}
		if json.Unmarshal([]byte(evt.Payload), &payload) != nil || payload.Plugin == "" {
			continue
		}
		if _, seen := latest[payload.Plugin]; seen {
			continue
		}
		latest[payload.Plugin] = lifecycle{state: strings.TrimPrefix(evt.Type, "plugin_"), detail: payload.Error}
		order = append(order, payload.Plugin)
	}
	if len(order) == 0 {
		return
	}
	sort.Strings(order)

	fmt.Fprintln(out, styles.header.Render("Plugins"))
	for _, id := range order {
		lc := latest[id]
		line := fmt.Sprintf("  %-12s %s", id, lc.state)
		if lc.state == "failed" {
			line = styles.warn.Render(line + ": " + lc.detail)
		}
		fmt.Fprintln(out, line)
	}
}
