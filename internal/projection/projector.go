package projection

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"worldrates/internal/model"
)

const (
	DefaultCacheSize = 64
	DefaultCacheTTL  = time.Hour
)

// Source is the read side of the record store.
type Source interface {
	All(id model.SeriesID) ([]model.Observation, error)
	Countries() []model.Country
}

type cacheKey struct {
	series model.SeriesID
	policy Policy
}

// Projector serves enriched latest-value rows, cached per series and policy.
// A fill computed across an invalidation is returned but never cached.
type Projector struct {
	source Source
	cache  *expirable.LRU[cacheKey, []model.Row]
	now    func() time.Time

	mu          sync.Mutex
	epoch       uint64
	generations map[model.SeriesID]uint64
}

type generation struct {
	epoch  uint64
	series uint64
}

func NewProjector(source Source, size int, ttl time.Duration) *Projector {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Projector{
		source: source,
		cache:  expirable.NewLRU[cacheKey, []model.Row](size, nil, ttl),
		now:    func() time.Time { return time.Now().UTC() },

		generations: make(map[model.SeriesID]uint64),
	}
}

// Latest returns one row per country under policy.
func (p *Projector) Latest(id model.SeriesID, policy Policy) ([]model.Row, error) {
	series, err := model.LookupSeries(id)
	if err != nil {
		return nil, err
	}
	key := cacheKey{series: series.ID, policy: policy}
	if rows, ok := p.cache.Get(key); ok {
		return copyRows(rows), nil
	}

	seen := p.generation(series.ID)
	records, err := p.source.All(series.ID)
	if err != nil {
		return nil, err
	}
	rows := Enrich(Latest(records, policy), p.source.Countries())

	p.mu.Lock()
	if p.generationLocked(series.ID) == seen {
		p.cache.Add(key, rows)
	}
	p.mu.Unlock()
	return copyRows(rows), nil
}

// Filled returns the latest rows with estimates for countries lacking data.
func (p *Projector) Filled(id model.SeriesID, policy Policy) ([]model.Row, error) {
	rows, err := p.Latest(id, policy)
	if err != nil {
		return nil, err
	}
	return FillEstimates(rows, p.source.Countries(), p.now()), nil
}

// Historical is never cached.
func (p *Projector) Historical(id model.SeriesID, iso2 string) ([]model.Row, error) {
	series, err := model.LookupSeries(id)
	if err != nil {
		return nil, err
	}
	records, err := p.source.All(series.ID)
	if err != nil {
		return nil, err
	}
	return Enrich(Historical(records, iso2), p.source.Countries()), nil
}

// Invalidate drops every cached projection of a series.
func (p *Projector) Invalidate(id model.SeriesID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generations[id]++
	for _, policy := range []Policy{EffectiveDatePriority, UpdateTimePriority} {
		p.cache.Remove(cacheKey{series: id, policy: policy})
	}
}

func (p *Projector) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	p.cache.Purge()
}

func (p *Projector) generation(id model.SeriesID) generation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generationLocked(id)
}

func (p *Projector) generationLocked(id model.SeriesID) generation {
	return generation{epoch: p.epoch, series: p.generations[id]}
}

func copyRows(rows []model.Row) []model.Row {
	return append([]model.Row{}, rows...)
}
