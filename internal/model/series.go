package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownSeries = errors.New("model: unknown series")

type Series struct {
	ID   SeriesID
	Key  string
	Name string
	// Indicator is the statistical API code; empty for the exchange feed.
	Indicator string
	Period    string
	// KeyedByCurrency marks series whose identity includes the currency code.
	KeyedByCurrency bool
}

var catalog = []Series{
	{ID: SeriesInterest, Key: "interest_rates", Name: "Interest Rates", Indicator: "FR.INR.RINR"},
	{ID: SeriesInflation, Key: "inflation_rates", Name: "Inflation Rates", Indicator: "FP.CPI.TOTL.ZG", Period: "yearly"},
	{ID: SeriesExchange, Key: "exchange_rates", Name: "Exchange Rates", KeyedByCurrency: true},
	{ID: SeriesGDPGrowth, Key: "gdp_growth_rates", Name: "GDP Growth", Indicator: "NY.GDP.MKTP.KD.ZG"},
	{ID: SeriesUnemployment, Key: "unemployment_rates", Name: "Unemployment", Indicator: "SL.UEM.TOTL.ZS"},
	{ID: SeriesGovernmentDebt, Key: "government_debt_rates", Name: "Government Debt", Indicator: "GC.DOD.TOTL.GD.ZS"},
	{ID: SeriesGDPPerCapita, Key: "gdp_per_capita_rates", Name: "GDP Per Capita", Indicator: "NY.GDP.PCAP.CD"},
	{ID: SeriesTradeBalance, Key: "trade_balance_rates", Name: "Trade Balance", Indicator: "NE.RSB.GNFS.ZS"},
	{ID: SeriesCurrentAccount, Key: "current_account_rates", Name: "Current Account", Indicator: "BN.CAB.XOKA.GD.ZS"},
	{ID: SeriesFDI, Key: "fdi_rates", Name: "FDI", Indicator: "BX.KLT.DINV.WD.GD.ZS"},
	{ID: SeriesPopulationGrowth, Key: "population_growth_rates", Name: "Population Growth", Indicator: "SP.POP.GROW"},
	{ID: SeriesLifeExpectancy, Key: "life_expectancy_rates", Name: "Life Expectancy", Indicator: "SP.DYN.LE00.IN"},
	{ID: SeriesGiniCoefficient, Key: "gini_coefficient_rates", Name: "Gini Coefficient", Indicator: "SI.POV.GINI"},
	{ID: SeriesExports, Key: "exports_rates", Name: "Exports", Indicator: "NE.EXP.GNFS.ZS"},
}

// AllSeries returns the series catalog in fetch order.
func AllSeries() []Series {
	copied := make([]Series, len(catalog))
	copy(copied, catalog)
	return copied
}

func LookupSeries(id SeriesID) (Series, error) {
	needle := SeriesID(strings.ToLower(strings.TrimSpace(string(id))))
	for _, series := range catalog {
		if series.ID == needle {
			return series, nil
		}
	}
	return Series{}, fmt.Errorf("%w: %q", ErrUnknownSeries, id)
}

// Identity is the slot an observation occupies within its series, ignoring
// the effective date.
type Identity struct {
	CountryISO   string
	CurrencyCode string
}

func (s Series) IdentityOf(observation Observation) Identity {
	identity := Identity{CountryISO: strings.ToUpper(strings.TrimSpace(observation.CountryISO))}
	if s.KeyedByCurrency {
		identity.CurrencyCode = strings.ToUpper(strings.TrimSpace(observation.CurrencyCode))
	}
	return identity
}

func (i Identity) String() string {
	if i.CurrencyCode == "" {
		return i.CountryISO
	}
	return i.CountryISO + "/" + i.CurrencyCode
}
