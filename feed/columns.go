package feed

import (
	"strings"

	"dof-notifier/pkg/observation"
)

// Columns is the fixed column set of the observation export, in export order.
var Columns = []string{
	"Dato", "Turtidfra", "Turtidtil", "Loknr", "Loknavn", "Artnr", "Artnavn", "Latin", "Sortering",
	"Antal", "Koen", "Adfkode", "Adfbeskrivelse", "Alderkode", "Dragtkode", "Dragtbeskrivelse",
	"Obserkode", "Fornavn", "Efternavn", "Obser_by", "Medobser", "Turnoter", "Fuglnoter", "Metode",
	"Obstidfra", "Obstidtil", "Hemmelig", "Kvalitet", "Turid", "Obsid", "DOF_afdeling",
	"lok_laengdegrad", "lok_breddegrad", "obs_laengdegrad", "obs_breddegrad", "radius",
	"obser_laengdegrad", "obser_breddegrad",
}

func field(r *observation.Row, column string) *string {
	switch column {
	case "dato":
		return &r.Date
	case "turtidfra":
		return &r.TripStart
	case "turtidtil":
		return &r.TripEnd
	case "loknr":
		return &r.LocationID
	case "loknavn":
		return &r.LocationName
	case "artnr":
		return &r.SpeciesID
	case "artnavn":
		return &r.Species
	case "latin":
		return &r.ScientificName
	case "sortering":
		return &r.SortKey
	case "antal":
		return &r.Count
	case "koen":
		return &r.Sex
	case "adfkode":
		return &r.BehaviorCode
	case "adfbeskrivelse":
		return &r.Behavior
	case "alderkode":
		return &r.AgeCode
	case "dragtkode":
		return &r.PlumageCode
	case "dragtbeskrivelse":
		return &r.Plumage
	case "obserkode":
		return &r.ReporterCode
	case "fornavn":
		return &r.FirstName
	case "efternavn":
		return &r.LastName
	case "obser_by":
		return &r.ReporterCity
	case "medobser":
		return &r.CoObservers
	case "turnoter":
		return &r.TripNotes
	case "fuglnoter":
		return &r.SightingNotes
	case "metode":
		return &r.Method
	case "obstidfra":
		return &r.ObsStart
	case "obstidtil":
		return &r.ObsEnd
	case "hemmelig":
		return &r.Secret
	case "kvalitet":
		return &r.Quality
	case "turid":
		return &r.TripID
	case "obsid":
		return &r.ObsID
	case "dof_afdeling":
		return &r.Region
	case "lok_laengdegrad":
		return &r.LocLongitude
	case "lok_breddegrad":
		return &r.LocLatitude
	case "obs_laengdegrad":
		return &r.ObsLongitude
	case "obs_breddegrad":
		return &r.ObsLatitude
	case "radius":
		return &r.Radius
	case "obser_laengdegrad":
		return &r.ObserverLongitude
	case "obser_breddegrad":
		return &r.ObserverLatitude
	}
	return nil
}

// header maps record positions to row fields. Unknown columns are ignored.
type header struct {
	columns []string
	missing []string
}

// newHeader reports false unless the record names the species column.
func newHeader(record []string) (*header, bool) {
	h := &header{columns: make([]string, len(record))}
	seen := make(map[string]bool, len(record))
	var probe observation.Row
	for i, name := range record {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if field(&probe, name) == nil {
			continue
		}
		h.columns[i] = name
		seen[name] = true
	}
	for _, c := range Columns {
		if !seen[strings.ToLower(c)] {
			h.missing = append(h.missing, c)
		}
	}
	return h, seen["artnavn"]
}

// row builds an observation from one record. It reports false for records whose
// values are all empty.
func (h *header) row(record []string) (observation.Row, bool) {
	var r observation.Row
	var filled bool
	for i, value := range record {
		if i >= len(h.columns) || h.columns[i] == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		*field(&r, h.columns[i]) = value
		filled = true
	}
	return r, filled
}
