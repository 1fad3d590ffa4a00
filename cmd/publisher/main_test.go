package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldrates/internal/model"
	"worldrates/internal/projection"
	"worldrates/internal/store"
)

func testSnapshot() *store.Snapshot {
	snapshot := store.EmptySnapshot()
	snapshot.Countries = []model.Country{
		{ID: 1, ISO2: "DE", Name: "Germany", Region: "Europe"},
		{ID: 2, ISO2: "FR", Name: "France", Region: "Europe"},
	}
	updated := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	snapshot.Series[model.SeriesInterest] = []model.Observation{
		{ID: 1, CountryISO: "DE", Value: 1.5, EffectiveDate: "2020-01-01", UpdatedAt: updated},
		{ID: 2, CountryISO: "DE", Value: 1.8, EffectiveDate: "2021-01-01", UpdatedAt: updated.Add(-time.Hour)},
	}
	return snapshot
}

func TestBuildLatest(t *testing.T) {
	now := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)

	sections := buildLatest(testSnapshot(), projection.EffectiveDatePriority, false, now)
	require.Len(t, sections, len(model.AllSeries()))
	rows := sections[model.SeriesInterest].Rows
	require.Len(t, rows, 1)
	assert.Equal(t, 1.8, rows[0].Value)
	assert.Equal(t, "Germany", rows[0].CountryName)
	assert.Empty(t, sections[model.SeriesExchange].Rows)

	sections = buildLatest(testSnapshot(), projection.UpdateTimePriority, false, now)
	assert.Equal(t, 1.5, sections[model.SeriesInterest].Rows[0].Value)

	sections = buildLatest(testSnapshot(), projection.EffectiveDatePriority, true, now)
	rows = sections[model.SeriesInterest].Rows
	require.Len(t, rows, 2)
	assert.Empty(t, sections[model.SeriesExchange].Rows)
}

func TestBuildMeta(t *testing.T) {
	meta := buildMeta(testSnapshot(), "2024-06-02T00:00:00Z")
	assert.Equal(t, 2, meta.Countries)
	require.Len(t, meta.Series, len(model.AllSeries()))

	var interest seriesMeta
	for _, entry := range meta.Series {
		if entry.ID == model.SeriesInterest {
			interest = entry
		}
	}
	assert.Equal(t, 2, interest.Records)
	assert.Equal(t, 1, interest.Countries)
	assert.Equal(t, "2021-01-01", interest.LatestDate)
	assert.Equal(t, "2024-06-01T12:00:00Z", interest.LastUpdatedAt)
}
