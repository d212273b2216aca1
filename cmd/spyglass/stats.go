package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/spyglasshq/spyglass/internal/config"
	"github.com/spyglasshq/spyglass/internal/store"
	"github.com/spyglasshq/spyglass/internal/types"
)

var statsJSONOutput bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show collection statistics",
	Long:  "Print target, service, scan-run, and per-profile statistics without running the collector.",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSONOutput, "json", false,
		"Output in JSON format")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}

	out := cmd.OutOrStdout()

	if statsJSONOutput {
		return printJSON(out, stats)
	}

	fmt.Fprintf(out, "Targets:            %d\n", stats.TargetCount)
	fmt.Fprintf(out, "Services:           %d\n", stats.ServiceCount)
	fmt.Fprintf(out, "High-risk services: %d\n", stats.HighRiskServices)

	if len(stats.RunCounts) > 0 {
		fmt.Fprintln(out, "\nScan runs:")
		w := newTabWriter(out)
		order := []types.RunStatus{
			types.RunStatusRunning,
			types.RunStatusCompleted,
			types.RunStatusFailed,
			types.RunStatusTimeout,
		}
		for _, status := range order {
			if n, ok := stats.RunCounts[status]; ok {
				fmt.Fprintf(w, "  %s\t%d\n", status, n)
			}
		}
		w.Flush()
	}

	if len(stats.Profiles) > 0 {
		fmt.Fprintln(out, "\nProfiles:")
		w := newTabWriter(out)
		fmt.Fprintln(w, "  NAME\tRECORDS\tCHECKPOINT")
		for _, p := range stats.Profiles {
			checkpoint := "-"
			if !p.LastCollectedAt.IsZero() {
				checkpoint = p.LastCollectedAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "  %s\t%d\t%s\n", p.ProfileName, p.TotalCount, checkpoint)
		}
		w.Flush()
	}

	if len(stats.RecentRuns) > 0 {
		fmt.Fprintln(out, "\nRecent runs:")
		w := newTabWriter(out)
		fmt.Fprintln(w, "  ID\tSTATUS\tSTARTED\tSERVICES")
		for _, run := range stats.RecentRuns {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%d\n",
				run.ID,
				run.Status,
				run.StartedAt.Format("2006-01-02 15:04"),
				run.ServicesSeen,
			)
		}
		w.Flush()
	}

	return nil
}

// openStore loads configuration and opens the relational store without
// starting the collector. Used by the one-shot subcommands, so the
// intelligence API key is not required.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.LoadOffline()
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(cfg.Database.Path, store.PoolConfig{
		MinConns:       cfg.Database.PoolMin,
		MaxConns:       cfg.Database.PoolMax,
		AcquireTimeout: time.Duration(cfg.Database.AcquireTimeout),
	})
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
