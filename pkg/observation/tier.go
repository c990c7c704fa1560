package observation

import (
	"fmt"
)

// Tier is the significance classification of an observation.
// The order matters: subscriber floors compare against it.
type Tier int

const (
	Ordinary Tier = iota
	Notable
	RareRegional
	RareNational
)

// String returns the name the feed and the web client use for the tier.
func (t Tier) String() string {
	switch t {
	case Notable:
		return "bemaerk"
	case RareRegional:
		return "SUB"
	case RareNational:
		return "SU"
	default:
		return "alm"
	}
}

// High reports whether the tier qualifies a row for thread aggregation.
func (t Tier) High() bool {
	return t == RareRegional || t == RareNational
}

// ParseTier accepts any spelling of a tier name ("SU", "sub", "Bemærk", "bemaerk", "alm").
func ParseTier(s string) (Tier, bool) {
	switch Fold(s) {
	case "su":
		return RareNational, true
	case "sub":
		return RareRegional, true
	case "bemaerk", "bemark", "notable":
		return Notable, true
	case "alm", "almindelig", "ordinary":
		return Ordinary, true
	}
	return Ordinary, false
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	v, ok := ParseTier(string(b))
	if !ok {
		return fmt.Errorf("unknown tier %q", string(b))
	}
	*t = v
	return nil
}
