package commands

import (
	"strings"
	"time"

	"cardfetch/internal/store"
	"cardfetch/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var showFailures bool

func init() {
	recordsCmd.Flags().BoolVar(&showFailures, "failures", false, "List the failed items of the run instead of its records.")

	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(recordsCmd)
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Lists past runs stored in the database.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out, err := store.Open(cfg.Database)
		if err != nil {
			serviceutil.Fatal("failed to open db", err)
		}
		defer out.Close()

		runs, err := out.Runs(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to list runs", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Run", "Target", "Started", "Duration", "Records", "Failures", "Expected", "Refreshes", "Renders", "Error"})
		for _, r := range runs {
			t.AppendRow(table.Row{
				r.Id,
				r.Target,
				r.StartedAt.Format(time.DateTime),
				r.FinishedAt.Sub(r.StartedAt).String(),
				r.Records,
				r.Failures,
				r.Expected,
				r.Refreshes,
				r.Renders,
				truncate(r.Error, 60),
			})
		}
		t.Render()
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records <run_id>",
	Short: "Shows the records of a run.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		out, err := store.Open(cfg.Database)
		if err != nil {
			serviceutil.Fatal("failed to open db", err)
		}
		defer out.Close()

		if showFailures {
			failures, err := out.Failures(cmd.Context(), args[0])
			if err != nil {
				serviceutil.Fatal("failed to read failures", err)
			}
			t := newTable()
			t.AppendHeader(table.Row{"Item", "Status", "Error"})
			for _, f := range failures {
				t.AppendRow(table.Row{f.ItemId, f.Status, truncate(f.Error, 100)})
			}
			t.Render()
			return
		}

		records, err := out.Records(cmd.Context(), args[0])
		if err != nil {
			serviceutil.Fatal("failed to read records", err)
		}
		t := newTable()
		t.AppendHeader(table.Row{"Item", "Deck", "Patient", "Question", "Answers", "Fragments", "Source", "Incomplete"})
		for _, r := range records {
			deck := r.DeckTitle
			if deck == "" {
				deck = r.Container.DeckId
			}
			t.AppendRow(table.Row{
				r.ItemId,
				deck,
				r.GroupingKey,
				truncate(r.PrimaryText, 60),
				truncate(strings.Join(r.Answers, "; "), 40),
				len(r.Fragments),
				r.Source,
				r.Incomplete,
			})
		}
		t.Render()
	},
}
