package main

import (
	"fmt"
	"io"
	"time"

	"butler/pkg/eventlog"
	"butler/pkg/protocol"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	eventType string
	source    string
	taskID    string
	since     time.Duration
	follow    bool
}

// newLogsCmd creates the "butler logs" subcommand. It reads the audit log
// through a read-only connection, so it never contends with the daemon.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail the daemon audit log",
		Long:  "Displays audit events recorded by the daemon.\nOptionally filter by type, source, or task, and follow new events.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			reader, err := eventlog.NewReader(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			opts := eventlog.QueryOpts{
				EventType: cfg.eventType,
				Source:    cfg.source,
				TaskID:    cfg.taskID,
				Limit:     cfg.tail,
			}
			if cfg.since > 0 {
				after := time.Now().Add(-cfg.since)
				opts.After = &after
			}

			w := cmd.OutOrStdout()

			if cfg.follow {
				return followLogs(cmd, reader, opts, w)
			}
			return printLogs(cmd, reader, opts, w)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "filter by event type (e.g. task_failed)")
	cmd.Flags().StringVar(&cfg.source, "source", "", "filter by emitting component")
	cmd.Flags().StringVar(&cfg.taskID, "task", "", "filter by task ID")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only show events newer than this age (e.g. 2h)")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")

	return cmd
}

// printLogs queries and displays matching events in chronological order.
func printLogs(cmd *cobra.Command, reader *eventlog.Reader, opts eventlog.QueryOpts, w io.Writer) error {
	events, err := reader.Query(cmd.Context(), opts)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	// Query returns newest-first; print oldest-first.
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, &events[i])
	}

	return nil
}

// followLogs prints the initial tail, then polls for events newer than the
// last one seen.
func followLogs(cmd *cobra.Command, reader *eventlog.Reader, opts eventlog.QueryOpts, w io.Writer) error {
	events, err := reader.Query(cmd.Context(), opts)
	if err != nil {
		return err
	}

	var lastID int64
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, &events[i])
		lastID = events[i].ID
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
			next := opts
			next.Limit = 100
			fresh, err := reader.Query(cmd.Context(), next)
			if err != nil {
				return err
			}
			// Rows come newest-first; replay only those past the last seen ID.
			for i := len(fresh) - 1; i >= 0; i-- {
				if fresh[i].ID <= lastID {
					continue
				}
				formatEvent(w, &fresh[i])
				lastID = fresh[i].ID
			}
		}
	}
}

// formatEvent renders one audit event line.
// Format: timestamp | type | source | task_id | path | payload
func formatEvent(w io.Writer, evt *protocol.Event) {
	fmt.Fprintf(w, "%s | %-18s | %-12s | %-36s | %s %s\n",
		evt.CreatedAt, evt.Type, evt.Source, evt.TaskID, evt.Path, evt.Payload)
}
