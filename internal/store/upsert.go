package store

import (
	"strings"
	"time"

	"worldrates/internal/model"
)

// applyObservation writes incoming into records following the history rules:
// a record with the same identity and, when incoming carries one, the same
// effective date is overwritten in place keeping its id; otherwise a new
// record is appended with id max+1. It returns the updated slice and the id.
func applyObservation(series model.Series, records []model.Observation, incoming model.Observation, now time.Time) ([]model.Observation, int64) {
	incoming = normalizeObservation(incoming)
	identity := series.IdentityOf(incoming)

	existingIndex := -1
	for i := range records {
		if series.IdentityOf(records[i]) != identity {
			continue
		}
		if incoming.EffectiveDate != "" && records[i].EffectiveDate != incoming.EffectiveDate {
			continue
		}
		existingIndex = i
		break
	}

	incoming.UpdatedAt = now
	if existingIndex >= 0 {
		incoming.ID = records[existingIndex].ID
		records[existingIndex] = incoming
		return records, incoming.ID
	}

	incoming.ID = nextID(records)
	return append(records, incoming), incoming.ID
}

func nextID(records []model.Observation) int64 {
	var highest int64
	for _, record := range records {
		if record.ID > highest {
			highest = record.ID
		}
	}
	return highest + 1
}

func normalizeObservation(observation model.Observation) model.Observation {
	observation.CountryISO = strings.ToUpper(strings.TrimSpace(observation.CountryISO))
	observation.CurrencyCode = strings.ToUpper(strings.TrimSpace(observation.CurrencyCode))
	observation.EffectiveDate = strings.TrimSpace(observation.EffectiveDate)
	observation.Source = strings.TrimSpace(observation.Source)
	return observation
}
