// Package thread aggregates a day's rare observations into per-key threads.
//
// Threads are rebuilt from scratch every cycle; nothing here is incremental.
package thread

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"dof-notifier/classify"
	"dof-notifier/pkg/observation"
)

// StatusActive is the only status a rebuilt thread can have.
const StatusActive = "active"

// Entry is one line of the per-day index. Keys are the ones the web client reads.
type Entry struct {
	Day           string           `json:"day"`
	ThreadID      string           `json:"thread_id"`
	Species       string           `json:"art"`
	Location      string           `json:"lok"`
	LocationID    string           `json:"loknr"`
	Region        string           `json:"region"`
	Status        string           `json:"status"`
	HighestTier   observation.Tier `json:"max_kategori"`
	LastTier      observation.Tier `json:"last_kategori"`
	FirstObserved time.Time        `json:"first_ts_obs,omitzero"`
	LastObserved  time.Time        `json:"last_ts_obs,omitzero"`
	LastBehavior  string           `json:"last_adf"`
	LastObserver  string           `json:"last_observer"`
	Individuals   float64          `json:"antal_individer"`
	// Observers counts distinct non-empty observer names.
	Observers int    `json:"antal_observationer"`
	Clock     string `json:"klokkeslet"`
	BirthTime string `json:"obsidbirthtime"`
}

// Event is a thread member row as stored in the detail document.
type Event struct {
	classify.Classified
	// BirthTime is only set for rows without their own observation time.
	BirthTime string `json:"obsidbirthtime,omitempty"`
}

// Thread is the full aggregate for one key.
type Thread struct {
	Entry  Entry
	Events []Event
}

// Detail is the per-thread document written next to the index.
type Detail struct {
	Thread    Entry   `json:"thread"`
	Events    []Event `json:"events"`
	BirthTime string  `json:"obsidbirthtime"`
}

// Detail returns the document form of the thread.
func (t *Thread) Detail() Detail {
	return Detail{Thread: t.Entry, Events: t.Events, BirthTime: t.Entry.BirthTime}
}

// Build groups the day's RareRegional and RareNational rows by key. It returns the
// threads by key and the index, newest activity first.
func Build(day string, rows []classify.Classified, births Ledger) (map[observation.Key]*Thread, []Entry) {
	groups := make(map[observation.Key][]classify.Classified)
	for _, row := range rows {
		if !row.Tier.High() {
			continue
		}
		key := row.Key()
		if key.Empty() {
			continue
		}
		groups[key] = append(groups[key], row)
	}

	threads := make(map[observation.Key]*Thread, len(groups))
	index := make([]Entry, 0, len(groups))
	for key, members := range groups {
		t := build(day, members, births)
		threads[key] = t
		index = append(index, t.Entry)
	}

	slices.SortFunc(index, func(a, b Entry) int {
		return cmp.Or(b.LastObserved.Compare(a.LastObserved), strings.Compare(a.ThreadID, b.ThreadID))
	})
	return threads, index
}

func build(day string, members []classify.Classified, births Ledger) *Thread {
	slices.SortStableFunc(members, func(a, b classify.Classified) int {
		return a.EffectiveTime().Compare(b.EffectiveTime())
	})
	earliest, latest := members[0], members[len(members)-1]

	type reporterGroup struct{ first, last, species, location string }
	sums := make(map[reporterGroup]float64)
	observers := make(map[string]bool)
	highest := observation.Ordinary
	birth := ""
	events := make([]Event, 0, len(members))

	for _, m := range members {
		g := reporterGroup{
			first:    strings.TrimSpace(m.FirstName),
			last:     strings.TrimSpace(m.LastName),
			species:  strings.TrimSpace(m.Species),
			location: strings.TrimSpace(m.LocationID),
		}
		sums[g] += m.CountValue()
		if name := m.ObserverName(); name != "" {
			observers[name] = true
		}
		highest = max(highest, m.Tier)

		ev := Event{Classified: m}
		if !m.HasObservationTime() {
			if bt := births[strings.TrimSpace(m.ObsID)]; bt != "" {
				ev.BirthTime = bt
				if birth == "" || bt < birth {
					birth = bt
				}
			}
		}
		events = append(events, ev)
	}

	var individuals float64
	for _, sum := range sums {
		individuals = max(individuals, sum)
	}

	return &Thread{
		Entry: Entry{
			Day:           day,
			ThreadID:      latest.ThreadID(),
			Species:       strings.TrimSpace(latest.Species),
			Location:      strings.TrimSpace(latest.LocationName),
			LocationID:    strings.TrimSpace(latest.LocationID),
			Region:        strings.TrimSpace(latest.Region),
			Status:        StatusActive,
			HighestTier:   highest,
			LastTier:      latest.Tier,
			FirstObserved: earliest.EffectiveTime(),
			LastObserved:  latest.EffectiveTime(),
			LastBehavior:  strings.TrimSpace(latest.Behavior),
			LastObserver:  latest.ObserverName(),
			Individuals:   individuals,
			Observers:     len(observers),
			Clock:         latest.Clock(),
			BirthTime:     birth,
		},
		Events: events,
	}
}
