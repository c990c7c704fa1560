package observation

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	danishFold   = strings.NewReplacer("æ", "ae", "ø", "oe", "å", "aa")
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
)

// Fold lowercases s, spells out the Danish letters, drops remaining diacritics and
// collapses whitespace. "Bemærk", "bemaerk" and " BEMAERK " all fold to "bemaerk".
func Fold(s string) string {
	s = danishFold.Replace(strings.ToLower(s))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	return strings.Join(strings.Fields(s), " ")
}

// Slug turns a name into a URL and file-name safe token: "Hvidvinget Korsnæb" -> "hvidvinget-korsnaeb".
func Slug(s string) string {
	return strings.Trim(nonSlugChars.ReplaceAllString(Fold(s), "-"), "-")
}

// RegionSlug maps an administrative region such as "DOF Fyn" to the slug used in
// reference file names ("fyn").
func RegionSlug(region string) string {
	s := strings.TrimSpace(region)
	if len(s) >= 4 && strings.EqualFold(s[:4], "dof ") {
		s = s[4:]
	}
	return Slug(s)
}

// SpeciesName normalizes a species name for lookups. Reference files sometimes
// bracket names ("[Hvid Stork]").
func SpeciesName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	return Fold(s)
}

// ParseCount parses a count in Danish notation: "." groups thousands and ","
// marks decimals ("1.234" = 1234, "2,5" = 2.5). Anything unparsable is zero.
func ParseCount(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// FormatCount renders a parsed count without a trailing ".0" for whole numbers.
func FormatCount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
