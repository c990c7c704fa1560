// Package watch tracks per-key high-water marks between polls and decides which
// rows are worth notifying about.
package watch

import (
	"cmp"
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"dof-notifier/pkg/observation"
)

// Entry is the persisted state of one (species, location) key.
type Entry struct {
	MaxCount float64 `json:"max_count"`
	// ObsIDs holds the observation ids seen per reporter code, sorted.
	ObsIDs map[string][]string `json:"obserkoder"`
}

// UnmarshalJSON sorts and deduplicates the persisted id lists, which Has
// searches with a binary search.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	for reporter, ids := range p.ObsIDs {
		slices.Sort(ids)
		p.ObsIDs[reporter] = slices.Compact(ids)
	}
	*e = Entry(p)
	return nil
}

// State maps keys to their entries. A nil or empty State means "never polled".
type State map[observation.Key]*Entry

// Has reports whether the key has seen the observation id from any reporter.
func (e *Entry) Has(obsID string) bool {
	if e == nil {
		return false
	}
	for _, ids := range e.ObsIDs {
		if _, found := slices.BinarySearch(ids, obsID); found {
			return true
		}
	}
	return false
}

// Result is the outcome of comparing one cycle's rows against the previous state.
type Result struct {
	// Changed holds keys that are new or whose max count moved in either direction.
	Changed map[observation.Key]bool
	// NewObsIDs holds, per key, observation ids absent from the previous state.
	NewObsIDs map[observation.Key][]string
	Next      State
}

// ChangedKeys returns the changed keys in a stable order.
func (r *Result) ChangedKeys() []observation.Key {
	return sortedKeys(r.Changed)
}

// Diff folds rows into a fresh state and compares it with prev.
// Rows with an empty key are not tracked.
func Diff(prev State, rows []observation.Row) *Result {
	type building struct {
		max  float64
		seen map[string]map[string]bool
	}
	acc := make(map[observation.Key]*building)
	for i := range rows {
		row := &rows[i]
		key := row.Key()
		if key.Empty() {
			continue
		}
		b, ok := acc[key]
		if !ok {
			b = &building{max: row.CountValue(), seen: make(map[string]map[string]bool)}
			acc[key] = b
		}
		if c := row.CountValue(); c > b.max {
			b.max = c
		}
		if id := row.ObsID; id != "" {
			reporter := row.ReporterCode
			if b.seen[reporter] == nil {
				b.seen[reporter] = make(map[string]bool)
			}
			b.seen[reporter][id] = true
		}
	}

	res := &Result{
		Changed:   make(map[observation.Key]bool),
		NewObsIDs: make(map[observation.Key][]string),
		Next:      make(State, len(acc)),
	}
	for key, b := range acc {
		entry := &Entry{MaxCount: b.max, ObsIDs: make(map[string][]string, len(b.seen))}
		for reporter, ids := range b.seen {
			entry.ObsIDs[reporter] = slices.Sorted(maps.Keys(ids))
		}
		res.Next[key] = entry

		old, existed := prev[key]
		if !existed || old == nil || old.MaxCount != entry.MaxCount {
			res.Changed[key] = true
		}

		var fresh []string
		for _, ids := range entry.ObsIDs {
			for _, id := range ids {
				if !old.Has(id) {
					fresh = append(fresh, id)
				}
			}
		}
		if len(fresh) > 0 {
			slices.Sort(fresh)
			res.NewObsIDs[key] = slices.Compact(fresh)
		}
	}
	return res
}

func sortedKeys(m map[observation.Key]bool) []observation.Key {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, compareKeys)
	return keys
}

func compareKeys(a, b observation.Key) int {
	return cmp.Or(strings.Compare(a.Species, b.Species), strings.Compare(a.Location, b.Location))
}
