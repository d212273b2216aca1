package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	cleanupOlderThan  time.Duration
	cleanupJSONOutput bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-scans",
	Short: "Mark stuck scan runs as timed out",
	Long:  "Find scan runs still marked running after the threshold and move them to the timeout state. The collector's reclaimer does this continuously; cleanup is the manual equivalent for a stopped service.",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*time.Minute,
		"Age threshold for considering a running scan stuck")
	cleanupCmd.Flags().BoolVar(&cleanupJSONOutput, "json", false,
		"Output in JSON format")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	reclaimed, err := db.CleanupStuckScans(ctx, cleanupOlderThan)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if cleanupJSONOutput {
		if reclaimed == nil {
			reclaimed = []string{}
		}
		return printJSON(out, map[string]any{
			"reclaimed":  reclaimed,
			"total":      len(reclaimed),
			"older_than": cleanupOlderThan.String(),
		})
	}

	if len(reclaimed) == 0 {
		fmt.Fprintln(out, "No stuck scan runs found.")
		return nil
	}

	fmt.Fprintf(out, "Marked %d stuck scan run(s) as timed out:\n", len(reclaimed))
	for _, id := range reclaimed {
		fmt.Fprintf(out, "  %s\n", id)
	}
	return nil
}
