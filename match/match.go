// Package match decides whether a subscriber wants to hear about an observation.
package match

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"dof-notifier/pkg/observation"
)

// Floor is the lowest tier a subscriber wants for a region.
type Floor int

const (
	FloorNone Floor = iota
	FloorNotable
	FloorRareRegional
	FloorRareNational
)

// ParseFloor accepts the preference values "Ingen", "Bemærk", "SUB" and "SU",
// in any case and with or without diacritics. Unknown values are FloorNone.
func ParseFloor(s string) Floor {
	switch observation.Fold(s) {
	case "su":
		return FloorRareNational
	case "sub":
		return FloorRareRegional
	case "bemaerk", "bemark", "notable":
		return FloorNotable
	}
	return FloorNone
}

// String returns the preference value of the floor.
func (f Floor) String() string {
	switch f {
	case FloorNotable:
		return "Bemærk"
	case FloorRareRegional:
		return "SUB"
	case FloorRareNational:
		return "SU"
	default:
		return "Ingen"
	}
}

// Admits reports whether tier is at or above the floor.
func (f Floor) Admits(tier observation.Tier) bool {
	switch f {
	case FloorNotable:
		return tier >= observation.Notable
	case FloorRareRegional:
		return tier >= observation.RareRegional
	case FloorRareNational:
		return tier == observation.RareNational
	default:
		return false
	}
}

// Profile is a subscriber's notification preferences.
type Profile struct {
	SubscriberID string
	// ReporterCode is the subscriber's own reporter code; their reports are never sent back to them.
	ReporterCode string
	Name         string
	// Floors is keyed by region slug.
	Floors map[string]Floor
	// Include, Exclude and MinCounts are keyed by normalized species name.
	Include   map[string]bool
	Exclude   map[string]bool
	MinCounts map[string]float64
}

// Floor returns the configured floor for a region, FloorNone if unset.
func (p *Profile) Floor(region string) Floor {
	return p.Floors[observation.RegionSlug(region)]
}

// Matches reports whether the observation should be sent to the subscriber.
func Matches(row *observation.Row, tier observation.Tier, p *Profile) bool {
	if p == nil {
		return false
	}
	if code := strings.TrimSpace(p.ReporterCode); code != "" && strings.EqualFold(code, strings.TrimSpace(row.ReporterCode)) {
		return false
	}

	floor := p.Floor(row.Region)
	if floor == FloorNone {
		return false
	}

	species := observation.SpeciesName(row.Species)
	if p.Exclude[species] {
		return false
	}
	if limit, ok := p.MinCounts[species]; ok && row.CountValue() < limit {
		return false
	}
	if p.Include[species] {
		return true
	}
	return floor.Admits(tier)
}

type speciesFilters struct {
	Include []string           `json:"include"`
	Exclude []string           `json:"exclude"`
	Counts  map[string]float64 `json:"counts"`
}

// ParseProfile decodes the stored preference document. Region floors are
// top-level string members ("DOF Fyn": "SUB"); "obserkode", "navn" and
// "species_filters" are reserved.
func ParseProfile(subscriberID string, data []byte) (*Profile, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}

	p := &Profile{
		SubscriberID: subscriberID,
		Floors:       make(map[string]Floor),
		Include:      make(map[string]bool),
		Exclude:      make(map[string]bool),
		MinCounts:    make(map[string]float64),
	}

	for name, value := range raw {
		switch name {
		case "obserkode":
			if err := json.Unmarshal(value, &p.ReporterCode); err != nil {
				return nil, fmt.Errorf("decode obserkode: %w", err)
			}
		case "navn":
			if err := json.Unmarshal(value, &p.Name); err != nil {
				return nil, fmt.Errorf("decode navn: %w", err)
			}
		case "species_filters":
			var f speciesFilters
			if err := json.Unmarshal(value, &f); err != nil {
				return nil, fmt.Errorf("decode species_filters: %w", err)
			}
			for _, s := range f.Include {
				p.Include[observation.SpeciesName(s)] = true
			}
			for _, s := range f.Exclude {
				p.Exclude[observation.SpeciesName(s)] = true
			}
			for s, n := range f.Counts {
				p.MinCounts[observation.SpeciesName(s)] = n
			}
		default:
			var floor string
			if json.Unmarshal(value, &floor) != nil {
				continue
			}
			if f := ParseFloor(floor); f != FloorNone {
				p.Floors[observation.RegionSlug(name)] = f
			}
		}
	}
	return p, nil
}

// MarshalJSON writes the profile back in the stored preference format.
func (p *Profile) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(p.Floors)+3)
	for region, f := range p.Floors {
		doc[region] = f.String()
	}
	if p.ReporterCode != "" {
		doc["obserkode"] = p.ReporterCode
	}
	if p.Name != "" {
		doc["navn"] = p.Name
	}
	if len(p.Include) > 0 || len(p.Exclude) > 0 || len(p.MinCounts) > 0 {
		f := speciesFilters{Include: []string{}, Exclude: []string{}, Counts: map[string]float64{}}
		maps.Copy(f.Counts, p.MinCounts)
		for s := range p.Include {
			f.Include = append(f.Include, s)
		}
		for s := range p.Exclude {
			f.Exclude = append(f.Exclude, s)
		}
		slices.Sort(f.Include)
		slices.Sort(f.Exclude)
		doc["species_filters"] = f
	}
	return json.Marshal(doc)
}
