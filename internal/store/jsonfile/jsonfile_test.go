package jsonfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldrates/internal/model"
	"worldrates/internal/store"
)

func TestLoadMissingFile(t *testing.T) {
	persister, err := New(filepath.Join(t.TempDir(), "data", "economic_data.json"))
	require.NoError(t, err)

	_, err = persister.Load(context.Background())
	assert.ErrorIs(t, err, store.ErrNoSnapshot)
}

func TestStoreRoundTripThroughFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "economic_data.json")
	persister, err := New(path)
	require.NoError(t, err)

	s, err := store.Open(ctx, persister)
	require.NoError(t, err)
	_, err = s.SeedCountries(ctx, []model.Country{{ISO2: "DE", ISO3: "DEU", Name: "Germany", Currency: "EUR"}})
	require.NoError(t, err)
	_, err = s.Apply(ctx, model.SeriesInterest, model.Observation{CountryISO: "DE", Value: 1.5, EffectiveDate: "2020-01-01"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var document map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &document))
	assert.Contains(t, document, "interest_rates")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")

	reopened, err := store.Open(ctx, persister)
	require.NoError(t, err)
	records, err := reopened.All(model.SeriesInterest)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1.5, records[0].Value)
	assert.Equal(t, "2020-01-01", records[0].EffectiveDate)
	_, ok := reopened.CountryByISO3("DEU")
	assert.True(t, ok)
}

func TestCorruptFileResetsStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "economic_data.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"countries": [`), 0o644))

	persister, err := New(path)
	require.NoError(t, err)
	s, err := store.Open(ctx, persister)
	require.NoError(t, err)
	assert.Empty(t, s.Countries())

	loaded, err := persister.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Series, len(model.AllSeries()))
}
