package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"worldrates/internal/metrics"
	"worldrates/internal/model"
)

// Persister stores and restores full snapshots. Load returns ErrNoSnapshot
// when nothing has been saved yet.
type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
	Close() error
}

type NopPersister struct{}

func (p *NopPersister) Load(ctx context.Context) (*Snapshot, error) {
	_ = ctx
	return nil, ErrNoSnapshot
}

func (p *NopPersister) Save(ctx context.Context, snapshot *Snapshot) error {
	_ = ctx
	_ = snapshot
	return nil
}

func (p *NopPersister) Close() error {
	return nil
}

// Store is the in-memory record tree. Every mutation and the snapshot rewrite
// that follows it run under one write lock.
type Store struct {
	mu        sync.RWMutex
	snapshot  *Snapshot
	persister Persister
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Open loads the persisted snapshot. A missing or unreadable snapshot is
// replaced by the empty schema, which is persisted right away.
func Open(ctx context.Context, persister Persister, opts ...Option) (*Store, error) {
	if persister == nil {
		return nil, errors.New("store: persister is required")
	}
	s := &Store{
		persister: persister,
		log:       zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	snapshot, err := persister.Load(ctx)
	switch {
	case err == nil && snapshot != nil:
		snapshot.merge()
		s.snapshot = snapshot
		s.log.Info("snapshot loaded",
			zap.Int("countries", len(snapshot.Countries)),
			zap.Int("observations", countObservations(snapshot)),
		)
		return s, nil
	case err == nil || errors.Is(err, ErrNoSnapshot):
		s.log.Info("no snapshot found, creating empty store")
	default:
		s.log.Warn("snapshot unreadable, resetting to empty store", zap.Error(err))
	}

	s.snapshot = EmptySnapshot()
	if err := s.persistLocked(ctx); err != nil {
		s.log.Error("failed to persist empty snapshot", zap.Error(err))
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

// All returns every record of a series in stored order.
func (s *Store) All(id model.SeriesID) ([]model.Observation, error) {
	series, err := model.LookupSeries(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Observation{}, s.snapshot.Series[series.ID]...), nil
}

// FindByIdentity returns the records of a series sharing identity, across
// all effective dates.
func (s *Store) FindByIdentity(id model.SeriesID, identity model.Identity) ([]model.Observation, error) {
	series, err := model.LookupSeries(id)
	if err != nil {
		return nil, err
	}
	identity.CountryISO = strings.ToUpper(strings.TrimSpace(identity.CountryISO))
	identity.CurrencyCode = strings.ToUpper(strings.TrimSpace(identity.CurrencyCode))

	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]model.Observation, 0)
	for _, record := range s.snapshot.Series[series.ID] {
		if series.IdentityOf(record) == identity {
			matches = append(matches, record)
		}
	}
	return matches, nil
}

func (s *Store) FindByID(id model.SeriesID, recordID int64) (model.Observation, bool, error) {
	series, err := model.LookupSeries(id)
	if err != nil {
		return model.Observation{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.snapshot.Series[series.ID] {
		if record.ID == recordID {
			return record, true, nil
		}
	}
	return model.Observation{}, false, nil
}

// Apply runs the history upsert for one observation and persists.
func (s *Store) Apply(ctx context.Context, id model.SeriesID, observation model.Observation) (int64, error) {
	ids, err := s.ApplyBatch(ctx, id, []model.Observation{observation})
	if len(ids) == 0 {
		return 0, err
	}
	return ids[0], err
}

// ApplyBatch applies observations in order as one commit. On a persistence
// error the in-memory tree keeps the writes; the next successful commit
// makes them durable.
func (s *Store) ApplyBatch(ctx context.Context, id model.SeriesID, observations []model.Observation) ([]int64, error) {
	series, err := model.LookupSeries(id)
	if err != nil {
		return nil, err
	}
	if len(observations) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	records := s.snapshot.Series[series.ID]
	ids := make([]int64, 0, len(observations))
	for _, observation := range observations {
		var recordID int64
		records, recordID = applyObservation(series, records, observation, now)
		ids = append(ids, recordID)
	}
	s.snapshot.Series[series.ID] = records

	if err := s.persistLocked(ctx); err != nil {
		return ids, err
	}
	return ids, nil
}

func (s *Store) Countries() []model.Country {
	s.mu.RLock()
	defer s.mu.RUnlock()
	countries := append([]model.Country{}, s.snapshot.Countries...)
	sort.SliceStable(countries, func(i, j int) bool {
		return countries[i].Name < countries[j].Name
	})
	return countries
}

func (s *Store) CountryByISO2(iso2 string) (model.Country, bool) {
	iso2 = strings.ToUpper(strings.TrimSpace(iso2))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, country := range s.snapshot.Countries {
		if country.ISO2 == iso2 {
			return country, true
		}
	}
	return model.Country{}, false
}

func (s *Store) CountryByISO3(iso3 string) (model.Country, bool) {
	iso3 = strings.ToUpper(strings.TrimSpace(iso3))
	if iso3 == "" {
		return model.Country{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, country := range s.snapshot.Countries {
		if country.ISO3 == iso3 {
			return country, true
		}
	}
	return model.Country{}, false
}

// CountriesByCurrency returns the ISO2 codes of countries using currency.
func (s *Store) CountriesByCurrency(currency string) []string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]string, 0)
	for _, country := range s.snapshot.Countries {
		if country.Currency == currency {
			matches = append(matches, country.ISO2)
		}
	}
	return matches
}

// SeedCountries inserts unknown countries and fills empty fields of known
// ones; it never overwrites a value already set. It returns the number of
// countries created.
func (s *Store) SeedCountries(ctx context.Context, countries []model.Country) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := make(map[string]int, len(s.snapshot.Countries))
	var highest int64
	for i, country := range s.snapshot.Countries {
		index[country.ISO2] = i
		if country.ID > highest {
			highest = country.ID
		}
	}

	created := 0
	changed := false
	for _, country := range countries {
		country.ISO2 = strings.ToUpper(strings.TrimSpace(country.ISO2))
		country.ISO3 = strings.ToUpper(strings.TrimSpace(country.ISO3))
		country.Currency = strings.ToUpper(strings.TrimSpace(country.Currency))
		country.Name = strings.TrimSpace(country.Name)
		country.Region = strings.TrimSpace(country.Region)
		if country.ISO2 == "" || country.Name == "" {
			continue
		}

		if i, ok := index[country.ISO2]; ok {
			existing := &s.snapshot.Countries[i]
			filledISO3 := fillEmpty(&existing.ISO3, country.ISO3)
			filledRegion := fillEmpty(&existing.Region, country.Region)
			filledCurrency := fillEmpty(&existing.Currency, country.Currency)
			if filledISO3 || filledRegion || filledCurrency {
				changed = true
			}
			continue
		}

		highest++
		country.ID = highest
		country.CreatedAt = s.now()
		s.snapshot.Countries = append(s.snapshot.Countries, country)
		index[country.ISO2] = len(s.snapshot.Countries) - 1
		created++
		changed = true
	}

	if !changed {
		return 0, nil
	}
	return created, s.persistLocked(ctx)
}

// fillEmpty sets *field to value when the field is empty and reports whether
// it did.
func fillEmpty(field *string, value string) bool {
	if *field != "" || value == "" {
		return false
	}
	*field = value
	return true
}

func (s *Store) Count(id model.SeriesID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshot.Series[id])
}

// Counts returns the record count of every series.
func (s *Store) Counts() map[model.SeriesID]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[model.SeriesID]int, len(s.snapshot.Series))
	for id, records := range s.snapshot.Series {
		counts[id] = len(records)
	}
	return counts
}

// HasData reports whether the store holds enough to serve reads without an
// initial ingestion: exchange rates plus interest or inflation rates.
func (s *Store) HasData() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.snapshot.Series
	hasExchange := len(series[model.SeriesExchange]) > 0
	return hasExchange && (len(series[model.SeriesInterest]) > 0 || len(series[model.SeriesInflation]) > 0)
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

func (s *Store) persistLocked(ctx context.Context) error {
	start := time.Now()
	err := s.persister.Save(ctx, s.snapshot)
	metrics.RecordPersist(time.Since(start), err)
	if err != nil {
		return fmt.Errorf("store: persist snapshot: %w", err)
	}
	return nil
}

func countObservations(snapshot *Snapshot) int {
	total := 0
	for _, records := range snapshot.Series {
		total += len(records)
	}
	return total
}
