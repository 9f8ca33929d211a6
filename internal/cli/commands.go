package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"grocery-ingest/internal/components/chrono"
	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/config"
	"grocery-ingest/internal/retailers"
	"grocery-ingest/internal/store"
	"grocery-ingest/internal/store/db"
	"grocery-ingest/internal/taxonomy"
	libtelemetry "grocery-ingest/lib/telemetry"
	"grocery-ingest/lib/sqliteutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// NewScraperCommand returns the root command of a single retailer
// executable, for instance heb-scraper.
func NewScraperCommand(retailer string) *cobra.Command {
	def, err := retailers.Lookup(retailer)
	if err != nil {
		panic(err)
	}
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s-scraper [flags]", def.Retailer),
		Short: fmt.Sprintf("Sweeps the %s grocery catalog into the datastore.", def.DisplayName),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, string(def.Retailer))
			if err != nil {
				return exit(ExitFailure, err)
			}
			return runSweep(cmd.Context(), settings, cmd.ErrOrStderr())
		},
	}
	addSweepFlags(cmd.Flags())
	cmd.AddCommand(
		newBackfillCommand(string(def.Retailer)),
		newSeedCategoriesCommand(),
	)
	return cmd
}

// NewSweepCommand returns a command that takes the retailer as its first
// argument.
func NewSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("grocery-sweep <%s> [flags]", strings.Join(retailers.IDs(), "|")),
		Short: "Sweeps the grocery catalog of a retailer into the datastore.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := retailers.Lookup(args[0])
			if err != nil {
				return exit(ExitFailure, err)
			}
			settings, err := loadSettings(cmd, string(def.Retailer))
			if err != nil {
				return exit(ExitFailure, err)
			}
			return runSweep(cmd.Context(), settings, cmd.ErrOrStderr())
		},
	}
	addSweepFlags(cmd.Flags())
	cmd.AddCommand(
		newBackfillCommand(""),
		newSeedCategoriesCommand(),
		newRetailersCommand(),
	)
	return cmd
}

func openStore(settings config.Settings) (store.Store, func() error, error) {
	database, err := sqliteutil.OpenDB(db.Schema, settings.DB)
	if err != nil {
		return store.Store{}, nil, err
	}
	return store.New(database, chrono.NewStandardImpl(), telemetry.SlogAPI{}), database.Close, nil
}

// newBackfillCommand converts retailer ids of stored products to barcodes.
// An empty retailer makes it an argument.
func newBackfillCommand(retailer string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill-barcodes",
		Short: "Looks up barcodes for stored products that have none.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := retailer
			if id == "" {
				id = args[0]
			}
			settings, err := loadSettings(cmd, id)
			if err != nil {
				return exit(ExitFailure, err)
			}
			libtelemetry.InitSlog(settings.Verbose)

			s, err := newSweep(settings, cmd.ErrOrStderr())
			if err != nil {
				return exit(ExitFailure, err)
			}
			defer s.close()

			res, err := s.backfill(cmd.Context())
			if err != nil {
				return exit(ExitFailure, err)
			}
			if res.Skipped {
				slog.Warn("no barcode service configured, set GROCERY_BARCODE_URL and GROCERY_BARCODE_TOKEN")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d candidates, %d converted, %d mismatched, %d written\n",
				res.Candidates, res.Converted, res.Mismatched, res.Written)
			return nil
		},
	}
	if retailer == "" {
		cmd.Use = "backfill-barcodes <retailer>"
		cmd.Args = cobra.ExactArgs(1)
	}
	addConfigFlag(cmd.Flags())
	return cmd
}

func newSeedCategoriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed-categories",
		Short: "Writes the canonical category tree to the datastore.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, "")
			if err != nil {
				return exit(ExitFailure, err)
			}
			libtelemetry.InitSlog(settings.Verbose)

			st, closeDB, err := openStore(settings)
			if err != nil {
				return exit(ExitFailure, err)
			}
			defer closeDB()

			n, err := st.SeedCategories(cmd.Context(), taxonomy.Default().Canonical())
			if err != nil {
				return exit(ExitFailure, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d categories\n", n)
			return nil
		},
	}
	addConfigFlag(cmd.Flags())
	return cmd
}

func newRetailersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retailers",
		Short: "Lists the supported retailers.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			writeRetailers(cmd.OutOrStdout())
		},
	}
}

func writeRetailers(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"id", "name", "store", "pace", "browser"})
	for _, def := range retailers.All() {
		t.AppendRow(table.Row{
			def.Retailer,
			def.DisplayName,
			def.DefaultStoreID,
			fmt.Sprintf("%s ± %s", def.Delay, def.DelayVariance),
			def.RequiresBrowser,
		})
	}
	t.Render()
}
