// Package classify assigns a significance tier to an observation.
package classify

import (
	"dof-notifier/pkg/observation"
	"dof-notifier/refdata"
)

// Classify returns the tier of row against the reference tables. It is total:
// rows the tables know nothing about are Ordinary.
//
// Priority, first match wins: an active phenology window, then the region's
// notable-count threshold, then the species classification.
func Classify(row *observation.Row, tables *refdata.Tables) observation.Tier {
	species := row.Species
	if tables.InSeason(species, observation.ParseDate(row.Date)) {
		return observation.Notable
	}
	if limit, ok := tables.Threshold(row.Region, species); ok && row.CountValue() >= limit {
		return observation.Notable
	}
	if tier, ok := tables.SpeciesTier(species); ok {
		return tier
	}
	return observation.Ordinary
}

// Classified pairs a row with its tier.
type Classified struct {
	observation.Row
	Tier observation.Tier `json:"kategori"`
}

// All classifies rows in order.
func All(rows []observation.Row, tables *refdata.Tables) []Classified {
	out := make([]Classified, len(rows))
	for i := range rows {
		out[i] = Classified{Row: rows[i], Tier: Classify(&rows[i], tables)}
	}
	return out
}
