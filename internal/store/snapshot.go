package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"worldrates/internal/model"
)

var ErrNoSnapshot = errors.New("store: no snapshot")

// Snapshot is the full durable state: the countries table plus one array
// per series.
type Snapshot struct {
	Countries []model.Country
	Series    map[model.SeriesID][]model.Observation
}

// EmptySnapshot returns the canonical empty schema with every known series
// present.
func EmptySnapshot() *Snapshot {
	snapshot := &Snapshot{
		Countries: []model.Country{},
		Series:    make(map[model.SeriesID][]model.Observation),
	}
	for _, series := range model.AllSeries() {
		snapshot.Series[series.ID] = []model.Observation{}
	}
	return snapshot
}

func (s *Snapshot) Clone() *Snapshot {
	cloned := &Snapshot{
		Countries: append([]model.Country{}, s.Countries...),
		Series:    make(map[model.SeriesID][]model.Observation, len(s.Series)),
	}
	for id, records := range s.Series {
		cloned.Series[id] = append([]model.Observation{}, records...)
	}
	return cloned
}

// merge fills series missing from an older snapshot with empty arrays.
func (s *Snapshot) merge() {
	if s.Countries == nil {
		s.Countries = []model.Country{}
	}
	if s.Series == nil {
		s.Series = make(map[model.SeriesID][]model.Observation)
	}
	for _, series := range model.AllSeries() {
		if s.Series[series.ID] == nil {
			s.Series[series.ID] = []model.Observation{}
		}
	}
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	document := make(map[string]any, len(s.Series)+1)
	countries := s.Countries
	if countries == nil {
		countries = []model.Country{}
	}
	document["countries"] = countries
	for _, series := range model.AllSeries() {
		records := s.Series[series.ID]
		if records == nil {
			records = []model.Observation{}
		}
		document[series.Key] = records
	}
	return json.Marshal(document)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var document map[string]json.RawMessage
	if err := json.Unmarshal(data, &document); err != nil {
		return fmt.Errorf("store: decode snapshot: %w", err)
	}
	if document == nil {
		return errors.New("store: decode snapshot: document is null")
	}

	decoded := EmptySnapshot()
	if raw, ok := document["countries"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &decoded.Countries); err != nil {
			return fmt.Errorf("store: decode countries: %w", err)
		}
	}
	for _, series := range model.AllSeries() {
		raw, ok := document[series.Key]
		if !ok || isNull(raw) {
			continue
		}
		var records []storedObservation
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("store: decode %s: %w", series.Key, err)
		}
		observations := make([]model.Observation, 0, len(records))
		for _, record := range records {
			observations = append(observations, record.observation())
		}
		decoded.Series[series.ID] = observations
	}
	decoded.merge()
	*s = *decoded
	return nil
}

// storedObservation also accepts the older per-family value fields
// ("rate", "rate_to_usd") and null optional fields.
type storedObservation struct {
	ID            int64     `json:"id"`
	CountryISO    string    `json:"country_iso"`
	Value         *float64  `json:"value"`
	Rate          *float64  `json:"rate"`
	RateToUSD     *float64  `json:"rate_to_usd"`
	CurrencyCode  *string   `json:"currency_code"`
	Period        *string   `json:"period"`
	Source        *string   `json:"source"`
	EffectiveDate *string   `json:"effective_date"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (r storedObservation) observation() model.Observation {
	observation := model.Observation{
		ID:            r.ID,
		CountryISO:    r.CountryISO,
		CurrencyCode:  deref(r.CurrencyCode),
		Period:        deref(r.Period),
		Source:        deref(r.Source),
		EffectiveDate: deref(r.EffectiveDate),
		UpdatedAt:     r.UpdatedAt,
	}
	switch {
	case r.Value != nil:
		observation.Value = *r.Value
	case r.Rate != nil:
		observation.Value = *r.Rate
	case r.RateToUSD != nil:
		observation.Value = *r.RateToUSD
	}
	return observation
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
