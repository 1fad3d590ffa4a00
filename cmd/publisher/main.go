package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"worldrates/internal/config"
	"worldrates/internal/model"
	"worldrates/internal/projection"
	"worldrates/internal/store"
	"worldrates/internal/store/jsonfile"
	"worldrates/internal/store/sqlite"
)

type metaFile struct {
	GeneratedAt string       `json:"generated_at"`
	Countries   int          `json:"countries"`
	Series      []seriesMeta `json:"series"`
}

type seriesMeta struct {
	ID            model.SeriesID `json:"id"`
	Name          string         `json:"name"`
	Indicator     string         `json:"indicator,omitempty"`
	Records       int            `json:"records"`
	Countries     int            `json:"countries"`
	LatestDate    string         `json:"latest_effective_date,omitempty"`
	LastUpdatedAt string         `json:"last_updated_at,omitempty"`
}

type latestFile struct {
	GeneratedAt string                           `json:"generated_at"`
	Policy      projection.Policy                `json:"policy"`
	Series      map[model.SeriesID]latestSection `json:"series"`
}

type latestSection struct {
	Name string      `json:"name"`
	Rows []model.Row `json:"rows"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "build":
		build(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func build(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	outDir := fs.String("out", "site/data", "output directory")
	configPath := fs.String("config", config.DefaultPath, "path to the YAML config")
	storePath := fs.String("store", "", "snapshot path (overrides store.path)")
	backend := fs.String("backend", "", "snapshot backend: json or sqlite (overrides store.backend)")
	policyName := fs.String("policy", string(projection.EffectiveDatePriority), "latest policy: effective or updated")
	fill := fs.Bool("fill", false, "add region/global estimates for countries without data")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	policy, err := projection.ParsePolicy(*policyName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid policy:", err)
		os.Exit(2)
	}

	snapshot, err := loadSnapshot(cfg.Store)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load snapshot:", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "failed to create output dir:", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	generatedAt := now.Format(time.RFC3339)
	latest := buildLatest(snapshot, policy, *fill, now)
	if err := writeJSON(filepath.Join(*outDir, "latest.json"), latestFile{GeneratedAt: generatedAt, Policy: policy, Series: latest}); err != nil {
		fmt.Fprintln(os.Stderr, "failed to write latest.json:", err)
		os.Exit(1)
	}
	if err := writeJSON(filepath.Join(*outDir, "meta.json"), buildMeta(snapshot, generatedAt)); err != nil {
		fmt.Fprintln(os.Stderr, "failed to write meta.json:", err)
		os.Exit(1)
	}

	fmt.Printf("publisher build complete (out=%s series=%d countries=%d)\n", *outDir, len(latest), len(snapshot.Countries))
}

func loadSnapshot(cfg config.StoreConfig) (*store.Snapshot, error) {
	var persister store.Persister
	var err error
	switch cfg.Backend {
	case config.BackendSQLite:
		if _, statErr := os.Stat(cfg.Path); statErr != nil {
			return nil, statErr
		}
		persister, err = sqlite.New(cfg.Path)
	default:
		persister, err = jsonfile.New(cfg.Path)
	}
	if err != nil {
		return nil, err
	}
	defer persister.Close()

	snapshot, err := persister.Load(context.Background())
	if errors.Is(err, store.ErrNoSnapshot) {
		return nil, fmt.Errorf("no snapshot at %s, run the collector first", cfg.Path)
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func buildLatest(snapshot *store.Snapshot, policy projection.Policy, fill bool, now time.Time) map[model.SeriesID]latestSection {
	sections := make(map[model.SeriesID]latestSection)
	for _, series := range model.AllSeries() {
		rows := projection.Enrich(projection.Latest(snapshot.Series[series.ID], policy), snapshot.Countries)
		if fill && len(rows) > 0 {
			rows = projection.FillEstimates(rows, snapshot.Countries, now)
		}
		sections[series.ID] = latestSection{Name: series.Name, Rows: rows}
	}
	return sections
}

func buildMeta(snapshot *store.Snapshot, generatedAt string) metaFile {
	meta := metaFile{GeneratedAt: generatedAt, Countries: len(snapshot.Countries)}
	for _, series := range model.AllSeries() {
		records := snapshot.Series[series.ID]
		entry := seriesMeta{
			ID:        series.ID,
			Name:      series.Name,
			Indicator: series.Indicator,
			Records:   len(records),
		}

		countries := make(map[string]struct{})
		var lastUpdated time.Time
		for _, record := range records {
			countries[record.CountryISO] = struct{}{}
			if record.EffectiveDate > entry.LatestDate {
				entry.LatestDate = record.EffectiveDate
			}
			if record.UpdatedAt.After(lastUpdated) {
				lastUpdated = record.UpdatedAt
			}
		}
		entry.Countries = len(countries)
		if !lastUpdated.IsZero() {
			entry.LastUpdatedAt = lastUpdated.UTC().Format(time.RFC3339)
		}
		meta.Series = append(meta.Series, entry)
	}
	return meta
}

func writeJSON(path string, value any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: publisher build [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options:")
	fmt.Fprintln(os.Stderr, "  -out      output directory (default: site/data)")
	fmt.Fprintln(os.Stderr, "  -config   YAML config path (default: configs/worldrates.yaml)")
	fmt.Fprintln(os.Stderr, "  -store    snapshot path (default: store.path from config)")
	fmt.Fprintln(os.Stderr, "  -backend  snapshot backend json|sqlite (default: store.backend from config)")
	fmt.Fprintln(os.Stderr, "  -policy   latest policy effective|updated (default: effective)")
	fmt.Fprintln(os.Stderr, "  -fill     add estimates for countries without data")
}
