package projection

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"worldrates/internal/model"
)

type Policy string

const (
	// EffectiveDatePriority prefers the most recent economic date.
	EffectiveDatePriority Policy = "effective"
	// UpdateTimePriority prefers the most recently ingested record.
	UpdateTimePriority Policy = "updated"
)

const (
	EstimatedFromRegion = "region_avg"
	EstimatedFromGlobal = "global_avg"

	unknownRegion = "Unknown"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", EffectiveDatePriority, "effective_date":
		return EffectiveDatePriority, nil
	case UpdateTimePriority, "updated_at":
		return UpdateTimePriority, nil
	default:
		return "", fmt.Errorf("projection: unknown policy %q", raw)
	}
}

// LatestByEffectiveDate keeps one record per country: the one with the
// latest effective date, falling back to the update time. Ties keep the
// stored order.
func LatestByEffectiveDate(records []model.Observation) []model.Observation {
	return firstPerCountry(records, func(a, b model.Observation) bool {
		return a.SortTime().After(b.SortTime())
	})
}

// LatestByUpdateTime keeps one record per country: the most recently
// ingested one.
func LatestByUpdateTime(records []model.Observation) []model.Observation {
	return firstPerCountry(records, func(a, b model.Observation) bool {
		return a.UpdatedAt.After(b.UpdatedAt)
	})
}

func Latest(records []model.Observation, policy Policy) []model.Observation {
	if policy == UpdateTimePriority {
		return LatestByUpdateTime(records)
	}
	return LatestByEffectiveDate(records)
}

func firstPerCountry(records []model.Observation, newer func(a, b model.Observation) bool) []model.Observation {
	sorted := append([]model.Observation{}, records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return newer(sorted[i], sorted[j])
	})

	seen := make(map[string]struct{}, len(sorted))
	latest := make([]model.Observation, 0, len(sorted))
	for _, record := range sorted {
		if _, ok := seen[record.CountryISO]; ok {
			continue
		}
		seen[record.CountryISO] = struct{}{}
		latest = append(latest, record)
	}
	return latest
}

// Historical returns every record of one country, oldest first.
func Historical(records []model.Observation, iso2 string) []model.Observation {
	iso2 = strings.ToUpper(strings.TrimSpace(iso2))
	history := make([]model.Observation, 0)
	for _, record := range records {
		if record.CountryISO == iso2 {
			history = append(history, record)
		}
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].SortTime().Before(history[j].SortTime())
	})
	return history
}

// Enrich attaches country names. Records of unknown countries are kept
// without a name.
func Enrich(records []model.Observation, countries []model.Country) []model.Row {
	names := make(map[string]string, len(countries))
	for _, country := range countries {
		names[country.ISO2] = country.Name
	}
	rows := make([]model.Row, 0, len(records))
	for _, record := range records {
		rows = append(rows, model.Row{Observation: record, CountryName: names[record.CountryISO]})
	}
	return rows
}

// FillEstimates returns one row per known country. Countries without data
// get the average of their region, or the global average when their region
// has no data, flagged as estimated. Rows for countries missing from the
// reference table are appended unchanged.
func FillEstimates(rows []model.Row, countries []model.Country, now time.Time) []model.Row {
	regionOf := make(map[string]string, len(countries))
	for _, country := range countries {
		region := country.Region
		if region == "" {
			region = unknownRegion
		}
		regionOf[country.ISO2] = region
	}

	type average struct {
		sum   float64
		count int
	}
	regions := make(map[string]*average)
	var global average
	byISO := make(map[string]model.Row, len(rows))
	for _, row := range rows {
		if _, ok := byISO[row.CountryISO]; ok {
			continue
		}
		byISO[row.CountryISO] = row
		global.sum += row.Value
		global.count++

		region, ok := regionOf[row.CountryISO]
		if !ok {
			region = unknownRegion
		}
		agg := regions[region]
		if agg == nil {
			agg = &average{}
			regions[region] = agg
		}
		agg.sum += row.Value
		agg.count++
	}

	globalAvg := 0.0
	if global.count > 0 {
		globalAvg = global.sum / float64(global.count)
	}

	filled := make([]model.Row, 0, len(countries))
	used := make(map[string]struct{}, len(countries))
	for _, country := range countries {
		used[country.ISO2] = struct{}{}
		if row, ok := byISO[country.ISO2]; ok {
			if row.CountryName == "" {
				row.CountryName = country.Name
			}
			row.IsEstimated = false
			filled = append(filled, row)
			continue
		}

		estimate := model.Row{
			Observation: model.Observation{
				CountryISO: country.ISO2,
				Value:      globalAvg,
				UpdatedAt:  now,
			},
			CountryName:   country.Name,
			IsEstimated:   true,
			EstimatedFrom: EstimatedFromGlobal,
		}
		if agg := regions[regionOf[country.ISO2]]; agg != nil && agg.count > 0 {
			estimate.Value = agg.sum / float64(agg.count)
			estimate.EstimatedFrom = EstimatedFromRegion
		}
		filled = append(filled, estimate)
	}

	for _, row := range rows {
		if _, ok := used[row.CountryISO]; ok {
			continue
		}
		used[row.CountryISO] = struct{}{}
		filled = append(filled, row)
	}
	return filled
}
