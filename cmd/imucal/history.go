package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/imucal/imucal/pkg/history"
)

func NewHistoryCommand() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show recent calibration and lifecycle transitions",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := apiClient.GetHistory(limit)
			if err != nil {
				return fmt.Errorf("failed to get history: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				cmd.Println("No transitions recorded.")
				return nil
			}
			printHistory(cmd, entries)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (1-1000)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")

	return cmd
}

func printHistory(cmd *cobra.Command, entries []history.Entry) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tFROM\tTO\tMEAN\tSTD\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%+.5f\t%.5f\t%s\n",
			e.Time.Local().Format(time.DateTime), e.Kind, e.From, e.To, e.Mean, e.StdDeviation, e.Reason)
	}
	_ = w.Flush()
}
