package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cardfetch/lib/configutil"
	"cardfetch/lib/telemetry"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
)

var (
	configName string
	dbPath     string
	dumpHttp   string
	verbose    bool
)

// populated by the root command before any subcommand runs
var (
	cfg      Config
	exported telemetry.Telemetry
)

var rootCmd = &cobra.Command{
	Use:   "cardfetch",
	Short: "cardfetch fetches every card of a deck or collection and stores the normalized results.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = configutil.ReadWithDefaults(configName, defaultConfig)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if dbPath != "" {
			cfg.Database = dbPath
		}
		if dumpHttp != "" {
			cfg.DumpHttp = dumpHttp
		}
		cfg.Debug = cfg.Debug || verbose

		telemetry.InitSlog(cfg.Debug)

		exported, err = telemetry.SetupFromEnv(
			cmd.Context(), "cardfetch",
			attribute.String("cardfetch.command", cmd.CommandPath()),
			attribute.StringSlice("cardfetch.args", args),
		)
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("no telemetry.json5 found, telemetry is not exported")
		} else if err != nil {
			slog.Warn("failed to setup telemetry", "err", err)
		}
		telemetry.InstrumentPerfStats(cmd.Context(), 15*time.Second)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := exported.Shutdown(ctx); err != nil {
			slog.Warn("failed to flush telemetry", "err", err)
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configName, "config", "config.json5", "The config file, searched for from the working directory upwards.")
	flags.StringVar(&dbPath, "db", "", "The database results are written to, a file path or a libsql url.")
	flags.StringVar(&dumpHttp, "dump-http", "", "A directory to dump every http request and response to.")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
