package thread

import (
	"strings"
	"time"

	"dof-notifier/classify"
)

// ClockLayout is the wall-clock format of birth times.
const ClockLayout = "15:04"

// Ledger maps an observation id to the wall-clock time ("HH:MM") the service first
// saw it at RareRegional or RareNational tier. Entries are never overwritten.
type Ledger map[string]string

// Record stamps every unseen high-tier observation id with now and reports how
// many were added.
func (l Ledger) Record(rows []classify.Classified, now time.Time) int {
	stamp := now.Format(ClockLayout)
	added := 0
	for _, row := range rows {
		if !row.Tier.High() {
			continue
		}
		id := strings.TrimSpace(row.ObsID)
		if id == "" {
			continue
		}
		if _, seen := l[id]; seen {
			continue
		}
		l[id] = stamp
		added++
	}
	return added
}
