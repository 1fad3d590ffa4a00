package providers

import (
	"context"
	"errors"

	"worldrates/internal/model"
)

var ErrNoRecords = errors.New("providers: no records found")

// Fetcher pulls one indicator series from its source into the store.
type Fetcher interface {
	Name() string
	Series() model.SeriesID
	Fetch(ctx context.Context) (Result, error)
}

// Result summarizes one fetch. Partial is set when pages or writes were
// lost along the way but the fetch still made progress.
type Result struct {
	Series      model.SeriesID `json:"series"`
	Written     int            `json:"written"`
	Skipped     int            `json:"skipped"`
	Pages       int            `json:"pages"`
	FailedPages int            `json:"failed_pages"`
	Partial     bool           `json:"partial"`
}

// Writer is the write side of the record store.
type Writer interface {
	ApplyBatch(ctx context.Context, id model.SeriesID, observations []model.Observation) ([]int64, error)
}

// Countries resolves source country codes against the reference table.
type Countries interface {
	CountryByISO3(iso3 string) (model.Country, bool)
	CountriesByCurrency(currency string) []string
}
