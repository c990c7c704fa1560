package watch

import (
	"slices"

	"dof-notifier/classify"
	"dof-notifier/pkg/observation"
)

// Alert is a classified row selected for fan-out.
type Alert struct {
	classify.Classified
	// StateChanged is set when the row's key changed this cycle.
	StateChanged bool
	// DedupeID is the observation id, or "KEY::<key>" for rows without one.
	DedupeID string
}

// Notifications derives the rows to fan out from a diff:
//
//   - every changed key contributes its latest row;
//   - every new observation id whose row is RareRegional or RareNational contributes that row.
//
// The result is deduplicated by observation id. When firstRun is set only the
// second rule applies, so a cold start announces rarities but not the day's backlog
// of ordinary sightings.
func Notifications(rows []classify.Classified, res *Result, firstRun bool) []Alert {
	byKey := make(map[observation.Key]*classify.Classified)
	byObsID := make(map[string]*classify.Classified)
	for i := range rows {
		row := &rows[i]
		if id := row.ObsID; id != "" {
			byObsID[id] = row
		}
		key := row.Key()
		if key.Empty() {
			continue
		}
		if cur, ok := byKey[key]; !ok || row.EffectiveTime().After(cur.EffectiveTime()) {
			byKey[key] = row
		}
	}

	var out []Alert
	index := make(map[string]int)
	put := func(a Alert, replace bool) {
		if i, ok := index[a.DedupeID]; ok {
			if replace {
				out[i] = a
			}
			return
		}
		index[a.DedupeID] = len(out)
		out = append(out, a)
	}

	if !firstRun {
		for _, key := range res.ChangedKeys() {
			row, ok := byKey[key]
			if !ok {
				continue
			}
			if row.ObsID == "" {
				put(Alert{Classified: *row, StateChanged: true, DedupeID: "KEY::" + key.String()}, false)
				continue
			}
			put(Alert{Classified: *row, StateChanged: true, DedupeID: row.ObsID}, true)
		}
	}

	keys := make([]observation.Key, 0, len(res.NewObsIDs))
	for k := range res.NewObsIDs {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)

	for _, key := range keys {
		for _, id := range res.NewObsIDs[key] {
			row, ok := byObsID[id]
			if !ok || !row.Tier.High() {
				continue
			}
			put(Alert{Classified: *row, StateChanged: firstRun || res.Changed[key], DedupeID: id}, false)
		}
	}
	return out
}
