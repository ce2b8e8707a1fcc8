package commands

import (
	"context"
	"log/slog"

	"cardfetch/internal/cards"
	"cardfetch/internal/engine"
	"cardfetch/internal/store"
	"cardfetch/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	scrapeLimit int
	scrapeBag   string
)

func init() {
	scrapeCmd.PersistentFlags().IntVar(&scrapeLimit, "limit", 0, "Fetch at most this many cards, 0 fetches everything.")
	scrapeDeckCmd.Flags().StringVar(&scrapeBag, "bag", "", "The bag the deck belongs to, defaults to the deck id.")

	scrapeCmd.AddCommand(scrapeDeckCmd)
	scrapeCmd.AddCommand(scrapeCollectionCmd)
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Fetches cards and writes the normalized records to the database.",
}

var scrapeDeckCmd = &cobra.Command{
	Use:   "deck <deck_id> [--bag <bag_id>]",
	Short: "Fetches every card of a deck.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		bag := scrapeBag
		if bag == "" {
			bag = args[0]
		}
		deck := cards.Deck{Container: cards.Container{DeckId: args[0], BagId: bag}}
		runScrape(cmd.Context(), func(ctx context.Context, e engine.Engine) (engine.Report, error) {
			return e.RunDeck(ctx, deck)
		})
	},
}

var scrapeCollectionCmd = &cobra.Command{
	Use:   "collection <collection_id>",
	Short: "Fetches every card of every deck in a collection.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runScrape(cmd.Context(), func(ctx context.Context, e engine.Engine) (engine.Report, error) {
			return e.RunCollection(ctx, args[0])
		})
	},
}

func runScrape(ctx context.Context, run func(context.Context, engine.Engine) (engine.Report, error)) {
	out, err := store.Open(cfg.Database)
	if err != nil {
		serviceutil.Fatal("failed to open db", err)
	}
	defer out.Close()

	a, err := newApp(cfg, scrapeLimit)
	if err != nil {
		serviceutil.Fatal("failed to initialize", err)
	}
	defer a.Close()

	slog.Info("scraping using user", "username", cfg.Credentials.Username)
	report, runErr := run(ctx, a.engine)
	if runErr != nil {
		slog.Error("run stopped early", "err", runErr)
	}

	// a partial report is still worth keeping
	saveCtx := context.WithoutCancel(ctx)
	runId, err := out.SaveRun(saveCtx, report, runErr)
	if err != nil {
		serviceutil.Fatal("failed to save run", err)
	}

	slog.Info(
		"scraping done",
		"run", runId,
		"records", len(report.Records),
		"failures", len(report.Failures),
		"refreshes", report.Refreshes,
		"renders", report.Renders,
		"seconds", report.FinishedAt.Sub(report.StartedAt).Seconds(),
	)
	if len(report.Failures) > 0 {
		t := newTable()
		t.AppendHeader(table.Row{"Item", "Status", "Error"})
		for _, f := range report.Failures {
			errText := ""
			if f.Err != nil {
				errText = truncate(f.Err.Error(), 100)
			}
			t.AppendRow(table.Row{f.ItemId, f.Status, errText})
		}
		t.Render()
	}
}
