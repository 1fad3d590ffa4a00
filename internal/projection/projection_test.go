package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldrates/internal/model"
	"worldrates/internal/store"
)

var base = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestLatestInterestExample(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, &store.NopPersister{})
	require.NoError(t, err)
	_, err = s.SeedCountries(ctx, []model.Country{{ISO2: "DE", Name: "Germany", Region: "Europe"}})
	require.NoError(t, err)
	_, err = s.Apply(ctx, model.SeriesInterest, model.Observation{CountryISO: "DE", Value: 1.5, EffectiveDate: "2020-01-01"})
	require.NoError(t, err)
	_, err = s.Apply(ctx, model.SeriesInterest, model.Observation{CountryISO: "DE", Value: 1.8, EffectiveDate: "2021-01-01"})
	require.NoError(t, err)

	projector := NewProjector(s, 8, time.Minute)

	latest, err := projector.Latest(model.SeriesInterest, EffectiveDatePriority)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "DE", latest[0].CountryISO)
	assert.Equal(t, 1.8, latest[0].Value)
	assert.Equal(t, "2021-01-01", latest[0].EffectiveDate)
	assert.Equal(t, "Germany", latest[0].CountryName)

	history, err := projector.Historical(model.SeriesInterest, "de")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "2020-01-01", history[0].EffectiveDate)
	assert.Equal(t, "2021-01-01", history[1].EffectiveDate)
}

func TestPoliciesDisagreeOnBackfilledHistory(t *testing.T) {
	records := []model.Observation{
		{ID: 1, CountryISO: "FR", Value: 2.0, EffectiveDate: "2023-01-01", UpdatedAt: base},
		{ID: 2, CountryISO: "FR", Value: 1.0, EffectiveDate: "2010-01-01", UpdatedAt: base.Add(time.Hour)},
	}

	byDate := LatestByEffectiveDate(records)
	require.Len(t, byDate, 1)
	assert.Equal(t, int64(1), byDate[0].ID)

	byUpdate := LatestByUpdateTime(records)
	require.Len(t, byUpdate, 1)
	assert.Equal(t, int64(2), byUpdate[0].ID)
}

func TestLatestIsDeterministicOnTies(t *testing.T) {
	records := []model.Observation{
		{ID: 1, CountryISO: "US", Value: 5, EffectiveDate: "2022-01-01", UpdatedAt: base},
		{ID: 2, CountryISO: "US", Value: 6, EffectiveDate: "2022-01-01", UpdatedAt: base},
		{ID: 3, CountryISO: "CA", Value: 4, EffectiveDate: "2022-01-01", UpdatedAt: base},
	}

	for i := 0; i < 20; i++ {
		latest := Latest(records, EffectiveDatePriority)
		require.Len(t, latest, 2)
		assert.Equal(t, int64(1), latest[0].ID)
		assert.Equal(t, int64(3), latest[1].ID)
	}
}

func TestEffectiveDateFallsBackToUpdateTime(t *testing.T) {
	records := []model.Observation{
		{ID: 1, CountryISO: "GB", Value: 1, EffectiveDate: "2019-01-01", UpdatedAt: base},
		{ID: 2, CountryISO: "GB", Value: 2, UpdatedAt: base},
	}
	latest := LatestByEffectiveDate(records)
	require.Len(t, latest, 1)
	assert.Equal(t, int64(2), latest[0].ID)
}

func TestFillEstimatesUsesRegionThenGlobalAverage(t *testing.T) {
	countries := []model.Country{
		{ISO2: "DE", Name: "Germany", Region: "Europe"},
		{ISO2: "FR", Name: "France", Region: "Europe"},
		{ISO2: "IT", Name: "Italy", Region: "Europe"},
		{ISO2: "JP", Name: "Japan", Region: "Asia"},
		{ISO2: "BR", Name: "Brazil", Region: "Americas"},
	}
	rows := []model.Row{
		{Observation: model.Observation{CountryISO: "DE", Value: 2}},
		{Observation: model.Observation{CountryISO: "FR", Value: 4}},
		{Observation: model.Observation{CountryISO: "JP", Value: 9}},
		{Observation: model.Observation{CountryISO: "XK", Value: 1}},
	}

	filled := FillEstimates(rows, countries, base)
	require.Len(t, filled, 6)

	byISO := make(map[string]model.Row)
	for _, row := range filled {
		byISO[row.CountryISO] = row
	}
	assert.False(t, byISO["DE"].IsEstimated)
	assert.Equal(t, "Germany", byISO["DE"].CountryName)

	italy := byISO["IT"]
	assert.True(t, italy.IsEstimated)
	assert.Equal(t, EstimatedFromRegion, italy.EstimatedFrom)
	assert.Equal(t, 3.0, italy.Value)

	brazil := byISO["BR"]
	assert.True(t, brazil.IsEstimated)
	assert.Equal(t, EstimatedFromGlobal, brazil.EstimatedFrom)
	assert.Equal(t, 4.0, brazil.Value)
	assert.Equal(t, base, brazil.UpdatedAt)

	assert.False(t, byISO["XK"].IsEstimated)
}

func TestProjectorCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, &store.NopPersister{})
	require.NoError(t, err)
	projector := NewProjector(s, 8, time.Hour)

	_, err = s.Apply(ctx, model.SeriesInflation, model.Observation{CountryISO: "TR", Value: 50, EffectiveDate: "2022-01-01"})
	require.NoError(t, err)
	first, err := projector.Latest(model.SeriesInflation, EffectiveDatePriority)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = s.Apply(ctx, model.SeriesInflation, model.Observation{CountryISO: "TR", Value: 64, EffectiveDate: "2023-01-01"})
	require.NoError(t, err)
	cached, err := projector.Latest(model.SeriesInflation, EffectiveDatePriority)
	require.NoError(t, err)
	assert.Equal(t, 50.0, cached[0].Value)

	projector.Invalidate(model.SeriesInflation)
	fresh, err := projector.Latest(model.SeriesInflation, EffectiveDatePriority)
	require.NoError(t, err)
	assert.Equal(t, 64.0, fresh[0].Value)
}

// interleavedSource runs hook once, after the projector has read the records.
type interleavedSource struct {
	Source
	hook func()
}

func (s *interleavedSource) All(id model.SeriesID) ([]model.Observation, error) {
	records, err := s.Source.All(id)
	if s.hook != nil {
		hook := s.hook
		s.hook = nil
		hook()
	}
	return records, err
}

func TestInvalidationDuringFillIsNotCached(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, &store.NopPersister{})
	require.NoError(t, err)
	_, err = s.Apply(ctx, model.SeriesInflation, model.Observation{CountryISO: "TR", Value: 50, EffectiveDate: "2022-01-01"})
	require.NoError(t, err)

	source := &interleavedSource{Source: s}
	projector := NewProjector(source, 8, time.Hour)
	source.hook = func() {
		_, err := s.Apply(ctx, model.SeriesInflation, model.Observation{CountryISO: "TR", Value: 64, EffectiveDate: "2023-01-01"})
		require.NoError(t, err)
		projector.Invalidate(model.SeriesInflation)
	}

	during, err := projector.Latest(model.SeriesInflation, EffectiveDatePriority)
	require.NoError(t, err)
	require.Len(t, during, 1)
	assert.Equal(t, 50.0, during[0].Value)

	after, err := projector.Latest(model.SeriesInflation, EffectiveDatePriority)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, 64.0, after[0].Value)
}

func TestInvalidateAllDuringFillIsNotCached(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, &store.NopPersister{})
	require.NoError(t, err)
	_, err = s.Apply(ctx, model.SeriesInterest, model.Observation{CountryISO: "DE", Value: 1.5, EffectiveDate: "2020-01-01"})
	require.NoError(t, err)

	source := &interleavedSource{Source: s}
	projector := NewProjector(source, 8, time.Hour)
	source.hook = func() {
		_, err := s.Apply(ctx, model.SeriesInterest, model.Observation{CountryISO: "DE", Value: 1.8, EffectiveDate: "2021-01-01"})
		require.NoError(t, err)
		projector.InvalidateAll()
	}

	_, err = projector.Latest(model.SeriesInterest, EffectiveDatePriority)
	require.NoError(t, err)

	after, err := projector.Latest(model.SeriesInterest, EffectiveDatePriority)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, 1.8, after[0].Value)
}

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, EffectiveDatePriority, policy)

	policy, err = ParsePolicy("Updated")
	require.NoError(t, err)
	assert.Equal(t, UpdateTimePriority, policy)

	_, err = ParsePolicy("random")
	assert.Error(t, err)
}

func TestProjectorRejectsUnknownSeries(t *testing.T) {
	s, err := store.Open(context.Background(), &store.NopPersister{})
	require.NoError(t, err)
	_, err = NewProjector(s, 0, 0).Latest("weather", EffectiveDatePriority)
	assert.ErrorIs(t, err, model.ErrUnknownSeries)
}
