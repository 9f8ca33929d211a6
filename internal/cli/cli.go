// Package cli builds the cobra commands shared by the scraper executables.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"grocery-ingest/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func exit(code int, err error) error {
	if code == ExitOK {
		return nil
	}
	return exitError{code: code, err: err}
}

// Execute runs cmd and returns the process exit code.
func Execute(ctx context.Context, cmd *cobra.Command) int {
	return execute(ctx, cmd, os.Stderr)
}

func execute(ctx context.Context, cmd *cobra.Command, stderr io.Writer) int {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var exitErr exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(stderr, "error:", exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(stderr, "error:", err)
	return ExitFailure
}

func normalizeFlag(f *pflag.FlagSet, name string) pflag.NormalizedName {
	name = strings.ReplaceAll(name, "_", "-")
	if name == "location" {
		name = "store-id"
	}
	return pflag.NormalizedName(name)
}

func addConfigFlag(fs *pflag.FlagSet) {
	fs.String("config", "", "config file, "+config.DefaultFile+" is searched for upwards from the working directory when empty")
	fs.String("db", config.DefaultDB, "sqlite file or libsql:// url of the datastore")
	fs.BoolP("verbose", "v", false, "debug logging")
}

func addSweepFlags(fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(normalizeFlag)
	addConfigFlag(fs)
	fs.String("store-id", "", "store or location id (alias --location), the retailer's reference store when empty")
	fs.Bool("dry-run", false, "scrape without writing to the datastore")
	fs.Bool("no-dry-run", false, "write to the datastore even when dry_run is configured")
	fs.Int("max-items", 0, "stop after this many records, zero means no limit")
	fs.Duration("delay", 0, "base pause between pages, the retailer default when zero")
	fs.Duration("delay-variance", 0, "random variance added to --delay")
	fs.String("cookies", "", "cookie header or exported cookie json to seed the session with")
	fs.String("cookies-file", "", "file holding a cookie header or exported cookie json")
	fs.Bool("skip-details", false, "skip product page and enrichment requests")
	fs.Bool("fetch-upc", false, "convert retailer ids to barcodes after the sweep")
	fs.Int("start-from-category", 0, "skip the first K categories, disables deactivation")
	fs.StringP("output", "o", "", "write products to a json snapshot, resumed when it exists")
}

func loadSettings(cmd *cobra.Command, retailer string) (config.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	settings, err := config.Load(config.LoadOptions{
		Path:     path,
		Retailer: retailer,
		Flags:    cmd.Flags(),
	})
	if err != nil {
		return config.Settings{}, err
	}
	if noDry, _ := cmd.Flags().GetBool("no-dry-run"); noDry {
		settings.DryRun = false
	}
	return settings, nil
}
