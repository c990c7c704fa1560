// Package observation contains the core domain types for the DOF notification service.
package observation

import (
	"strings"
	"time"
)

// Row is one reported sighting from the upstream feed.
// JSON names follow the feed's column headers so documents stay readable by the web client.
type Row struct {
	Date              string `json:"Dato"`
	TripStart         string `json:"Turtidfra"`
	TripEnd           string `json:"Turtidtil"`
	LocationID        string `json:"Loknr"`
	LocationName      string `json:"Loknavn"`
	SpeciesID         string `json:"Artnr"`
	Species           string `json:"Artnavn"`
	ScientificName    string `json:"Latin"`
	SortKey           string `json:"Sortering"`
	Count             string `json:"Antal"`
	Sex               string `json:"Koen"`
	BehaviorCode      string `json:"Adfkode"`
	Behavior          string `json:"Adfbeskrivelse"`
	AgeCode           string `json:"Alderkode"`
	PlumageCode       string `json:"Dragtkode"`
	Plumage           string `json:"Dragtbeskrivelse"`
	ReporterCode      string `json:"Obserkode"`
	FirstName         string `json:"Fornavn"`
	LastName          string `json:"Efternavn"`
	ReporterCity      string `json:"Obser_by"`
	CoObservers       string `json:"Medobser"`
	TripNotes         string `json:"Turnoter"`
	SightingNotes     string `json:"Fuglnoter"`
	Method            string `json:"Metode"`
	ObsStart          string `json:"Obstidfra"`
	ObsEnd            string `json:"Obstidtil"`
	Secret            string `json:"Hemmelig"`
	Quality           string `json:"Kvalitet"`
	TripID            string `json:"Turid"`
	ObsID             string `json:"Obsid"`
	Region            string `json:"DOF_afdeling"`
	LocLongitude      string `json:"lok_laengdegrad"`
	LocLatitude       string `json:"lok_breddegrad"`
	ObsLongitude      string `json:"obs_laengdegrad"`
	ObsLatitude       string `json:"obs_breddegrad"`
	Radius            string `json:"radius"`
	ObserverLongitude string `json:"obser_laengdegrad"`
	ObserverLatitude  string `json:"obser_breddegrad"`
}

// Key identifies a recurring sighting: one species at one location.
type Key struct {
	Species  string
	Location string
}

// String renders the key in its persisted form, "species|location".
func (k Key) String() string {
	return k.Species + "|" + k.Location
}

// Empty reports whether either half of the key is missing.
func (k Key) Empty() bool {
	return k.Species == "" || k.Location == ""
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) Key {
	species, location, _ := strings.Cut(s, "|")
	return Key{Species: species, Location: location}
}

// MarshalText lets keys be used directly as JSON object keys.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	*k = ParseKey(string(b))
	return nil
}

// Key returns the state-tracking key for the row.
func (r *Row) Key() Key {
	return Key{
		Species:  strings.TrimSpace(r.Species),
		Location: strings.TrimSpace(r.LocationID),
	}
}

// ThreadID returns the stable thread identifier, e.g. "silkehejre-123".
func (r *Row) ThreadID() string {
	k := r.Key()
	if k.Empty() {
		return ""
	}
	return Slug(k.Species) + "-" + k.Location
}

// CountValue parses the reported count; unparsable counts are zero.
func (r *Row) CountValue() float64 {
	return ParseCount(r.Count)
}

// ObserverName returns "first last", trimmed.
func (r *Row) ObserverName() string {
	return strings.TrimSpace(strings.TrimSpace(r.FirstName) + " " + strings.TrimSpace(r.LastName))
}

// HasObservationTime reports whether the row carries its own observation time.
// Trip times describe the whole outing, not the sighting, so they don't count.
func (r *Row) HasObservationTime() bool {
	return strings.TrimSpace(r.ObsStart) != "" || strings.TrimSpace(r.ObsEnd) != ""
}

// Clock returns the time of day shown next to a thread:
// observation start, then trip start, then observation end, then trip end.
func (r *Row) Clock() string {
	for _, v := range []string{r.ObsStart, r.TripStart, r.ObsEnd, r.TripEnd} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var (
	dateLayouts  = []string{"02-01-2006", "2006-01-02", "02.01.2006"}
	clockLayouts = []string{"15:04", "15.04", "15:04:05"}
)

// ParseDate parses the feed's date column. The zero time is returned on failure.
func ParseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// EffectiveTime orders rows chronologically. It combines the row's date with the
// first non-empty of observation end, trip end, observation start and trip start.
// Rows with no usable time sort as midnight; rows with no usable date sort first.
func (r *Row) EffectiveTime() time.Time {
	day := ParseDate(r.Date)
	if day.IsZero() {
		return time.Time{}
	}
	for _, v := range []string{r.ObsEnd, r.TripEnd, r.ObsStart, r.TripStart} {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		for _, layout := range clockLayouts {
			if c, err := time.Parse(layout, v); err == nil {
				return day.Add(time.Duration(c.Hour())*time.Hour + time.Duration(c.Minute())*time.Minute)
			}
		}
		// First non-empty value decides, even when it doesn't parse.
		return day
	}
	return day
}
