package match

import (
	"encoding/json"
	"testing"

	"dof-notifier/pkg/observation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorAdmits(t *testing.T) {
	tiers := []observation.Tier{observation.Ordinary, observation.Notable, observation.RareRegional, observation.RareNational}
	tests := []struct {
		floor Floor
		want  []bool
	}{
		{FloorNone, []bool{false, false, false, false}},
		{FloorNotable, []bool{false, true, true, true}},
		{FloorRareRegional, []bool{false, false, true, true}},
		{FloorRareNational, []bool{false, false, false, true}},
	}

	for _, tt := range tests {
		t.Run(tt.floor.String(), func(t *testing.T) {
			for i, tier := range tiers {
				assert.Equal(t, tt.want[i], tt.floor.Admits(tier), "tier %s", tier)
			}
		})
	}
}

func TestParseFloor(t *testing.T) {
	assert.Equal(t, FloorNotable, ParseFloor("Bemærk"))
	assert.Equal(t, FloorNotable, ParseFloor("bemaerk"))
	assert.Equal(t, FloorRareRegional, ParseFloor("sub"))
	assert.Equal(t, FloorRareNational, ParseFloor("SU"))
	assert.Equal(t, FloorNone, ParseFloor("Ingen"))
	assert.Equal(t, FloorNone, ParseFloor("???"))
}

const storedPrefs = `{
  "DOF Fyn": "Bemærk",
  "DOF København": "SU",
  "DOF Bornholm": "Ingen",
  "obserkode": "JJ123",
  "navn": "Jens Jensen",
  "species_filters": {
    "include": ["gråand"],
    "exclude": ["Silkehejre"],
    "counts": {"trane": 5}
  }
}`

func profile(t *testing.T) *Profile {
	t.Helper()
	p, err := ParseProfile("user-1", []byte(storedPrefs))
	require.NoError(t, err)
	return p
}

func TestParseProfile(t *testing.T) {
	p := profile(t)
	assert.Equal(t, "user-1", p.SubscriberID)
	assert.Equal(t, "JJ123", p.ReporterCode)
	assert.Equal(t, "Jens Jensen", p.Name)
	assert.Equal(t, map[string]Floor{"fyn": FloorNotable, "koebenhavn": FloorRareNational}, p.Floors)
	assert.True(t, p.Include["graaand"])
	assert.True(t, p.Exclude["silkehejre"])
	assert.Equal(t, 5.0, p.MinCounts["trane"])

	_, err := ParseProfile("x", []byte("not json"))
	assert.Error(t, err)
}

func TestProfileRoundTrip(t *testing.T) {
	p := profile(t)
	b, err := json.Marshal(p)
	require.NoError(t, err)

	back, err := ParseProfile("user-1", b)
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestMatches(t *testing.T) {
	p := profile(t)
	tests := []struct {
		name string
		row  observation.Row
		tier observation.Tier
		want bool
	}{
		{
			name: "notable in notable region",
			row:  observation.Row{Species: "Grågås", Region: "DOF Fyn", ReporterCode: "X"},
			tier: observation.Notable,
			want: true,
		},
		{
			name: "ordinary in notable region",
			row:  observation.Row{Species: "Solsort", Region: "DOF Fyn"},
			tier: observation.Ordinary,
			want: false,
		},
		{
			name: "regional rarity under SU floor",
			row:  observation.Row{Species: "Rødglente", Region: "DOF København"},
			tier: observation.RareRegional,
			want: false,
		},
		{
			name: "national rarity under SU floor",
			row:  observation.Row{Species: "Hvid Stork", Region: "DOF København"},
			tier: observation.RareNational,
			want: true,
		},
		{
			name: "region set to Ingen",
			row:  observation.Row{Species: "Hvid Stork", Region: "DOF Bornholm"},
			tier: observation.RareNational,
			want: false,
		},
		{
			name: "unconfigured region",
			row:  observation.Row{Species: "Hvid Stork", Region: "DOF Vestjylland"},
			tier: observation.RareNational,
			want: false,
		},
		{
			name: "exclude wins over tier",
			row:  observation.Row{Species: "Silkehejre", Region: "DOF Fyn"},
			tier: observation.RareNational,
			want: false,
		},
		{
			name: "include admits ordinary",
			row:  observation.Row{Species: "Gråand", Region: "DOF Fyn"},
			tier: observation.Ordinary,
			want: true,
		},
		{
			name: "count below species minimum",
			row:  observation.Row{Species: "Trane", Region: "DOF Fyn", Count: "4"},
			tier: observation.RareRegional,
			want: false,
		},
		{
			name: "count at species minimum",
			row:  observation.Row{Species: "Trane", Region: "DOF Fyn", Count: "5"},
			tier: observation.RareRegional,
			want: true,
		},
		{
			name: "own report",
			row:  observation.Row{Species: "Hvid Stork", Region: "DOF Fyn", ReporterCode: "jj123"},
			tier: observation.RareNational,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(&tt.row, tt.tier, p))
		})
	}
}

func TestSelfSuppressionAlwaysWins(t *testing.T) {
	p := &Profile{
		ReporterCode: "R1",
		Floors:       map[string]Floor{"fyn": FloorNotable},
		Include:      map[string]bool{"silkehejre": true},
	}
	for _, tier := range []observation.Tier{observation.Notable, observation.RareRegional, observation.RareNational} {
		row := observation.Row{Species: "Silkehejre", Region: "DOF Fyn", ReporterCode: "R1"}
		assert.False(t, Matches(&row, tier, p))
	}
}

func TestExcludeAlwaysWins(t *testing.T) {
	p := &Profile{
		Floors:  map[string]Floor{"fyn": FloorNotable},
		Include: map[string]bool{"silkehejre": true},
		Exclude: map[string]bool{"silkehejre": true},
	}
	row := observation.Row{Species: "Silkehejre", Region: "DOF Fyn", Count: "100"}
	assert.False(t, Matches(&row, observation.RareNational, p))
}

func TestSilkehejreMatchesNotableFloor(t *testing.T) {
	p := &Profile{Floors: map[string]Floor{"fyn": FloorNotable}}
	row := observation.Row{Species: "Silkehejre", LocationID: "123", Count: "1", Region: "DOF Fyn", ObsID: "A1"}
	assert.True(t, Matches(&row, observation.RareRegional, p))
}
