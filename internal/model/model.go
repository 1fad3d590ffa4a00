package model

import (
	"time"
)

type SeriesID string

const (
	SeriesInterest         SeriesID = "interest"
	SeriesInflation        SeriesID = "inflation"
	SeriesExchange         SeriesID = "exchange"
	SeriesGDPGrowth        SeriesID = "gdp"
	SeriesUnemployment     SeriesID = "unemployment"
	SeriesGovernmentDebt   SeriesID = "government-debt"
	SeriesGDPPerCapita     SeriesID = "gdp-per-capita"
	SeriesTradeBalance     SeriesID = "trade-balance"
	SeriesCurrentAccount   SeriesID = "current-account"
	SeriesFDI              SeriesID = "fdi"
	SeriesPopulationGrowth SeriesID = "population-growth"
	SeriesLifeExpectancy   SeriesID = "life-expectancy"
	SeriesGiniCoefficient  SeriesID = "gini-coefficient"
	SeriesExports          SeriesID = "exports"
)

type Country struct {
	ID        int64     `json:"id"`
	ISO2      string    `json:"iso_code"`
	ISO3      string    `json:"iso_code_3,omitempty"`
	Name      string    `json:"name"`
	Region    string    `json:"region,omitempty"`
	Currency  string    `json:"currency_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Observation is one data point of an indicator series. EffectiveDate is the
// economic date in YYYY-MM-DD form; empty means the source gave none.
type Observation struct {
	ID            int64     `json:"id"`
	CountryISO    string    `json:"country_iso"`
	Value         float64   `json:"value"`
	CurrencyCode  string    `json:"currency_code,omitempty"`
	Period        string    `json:"period,omitempty"`
	Source        string    `json:"source,omitempty"`
	EffectiveDate string    `json:"effective_date,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Row is an observation enriched for read consumers.
type Row struct {
	Observation
	CountryName   string `json:"country_name,omitempty"`
	IsEstimated   bool   `json:"is_estimated"`
	EstimatedFrom string `json:"estimated_from,omitempty"`
}
