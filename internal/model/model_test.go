package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveDate(t *testing.T) {
	cases := []struct {
		raw    string
		want   string
		period PeriodType
	}{
		{"2022", "2022-01-01", PeriodYear},
		{"2022M03", "2022-03-01", PeriodMonth},
		{"2022-11", "2022-11-01", PeriodMonth},
		{"202207", "2022-07-01", PeriodMonth},
		{"2022Q2", "2022-04-01", PeriodQuarter},
		{"2022-Q4", "2022-10-01", PeriodQuarter},
		{"2022-03-15", "2022-03-15", PeriodMonth},
	}
	for _, tc := range cases {
		got, period, ok := EffectiveDate(tc.raw)
		require.True(t, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
		assert.Equal(t, tc.period, period, tc.raw)
	}

	for _, raw := range []string{"", "abc", "2022M13", "2022Q5", "22"} {
		_, _, ok := EffectiveDate(raw)
		assert.False(t, ok, raw)
	}
}

func TestSortTimeFallsBackToUpdatedAt(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	dated := Observation{EffectiveDate: "2021-01-01", UpdatedAt: updated}
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), dated.SortTime())

	undated := Observation{UpdatedAt: updated}
	assert.Equal(t, updated, undated.SortTime())
}

func TestLookupSeries(t *testing.T) {
	series, err := LookupSeries("Interest")
	require.NoError(t, err)
	assert.Equal(t, "interest_rates", series.Key)
	assert.Equal(t, "FR.INR.RINR", series.Indicator)

	_, err = LookupSeries("weather")
	assert.True(t, errors.Is(err, ErrUnknownSeries))

	assert.Len(t, AllSeries(), 14)
}

func TestIdentityOf(t *testing.T) {
	exchange, err := LookupSeries(SeriesExchange)
	require.NoError(t, err)
	inflation, err := LookupSeries(SeriesInflation)
	require.NoError(t, err)

	observation := Observation{CountryISO: "de", CurrencyCode: "eur"}
	assert.Equal(t, Identity{CountryISO: "DE", CurrencyCode: "EUR"}, exchange.IdentityOf(observation))
	assert.Equal(t, Identity{CountryISO: "DE"}, inflation.IdentityOf(observation))
	assert.Equal(t, "DE/EUR", exchange.IdentityOf(observation).String())
}
