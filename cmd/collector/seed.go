package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"worldrates/internal/config"
	"worldrates/internal/reference"
)

type seedCmd struct {
	configPath string
	csvPath    string
}

func (*seedCmd) Name() string     { return "seed" }
func (*seedCmd) Synopsis() string { return "load reference countries into the store" }
func (*seedCmd) Usage() string {
	return `collector seed [-config <path>] [-csv <path>]

  Inserts countries missing from the store and fills empty fields of known
  ones. Values already stored are never overwritten.
`
}

func (c *seedCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", config.DefaultPath, "path to the YAML config")
	f.StringVar(&c.csvPath, "csv", "", "countries CSV (overrides reference.countries_csv)")
}

func (c *seedCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp(ctx, c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "collector seed failed:", err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	path := c.csvPath
	if path == "" {
		path = a.cfg.Reference.CountriesCSV
	}
	countries, err := reference.LoadCountries(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "collector seed failed:", err)
		return subcommands.ExitFailure
	}
	inserted, err := a.store.SeedCountries(ctx, countries)
	if err != nil {
		fmt.Fprintln(os.Stderr, "collector seed failed:", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("collector seed complete (file=%s rows=%d inserted=%d total=%d)\n",
		path, len(countries), inserted, len(a.store.Countries()),
	)
	return subcommands.ExitSuccess
}
