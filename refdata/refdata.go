// Package refdata loads the reference tables used to classify observations:
// the national species classification, per-region notable-count thresholds and
// seasonal phenology windows.
package refdata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"dof-notifier/pkg/observation"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// ClassificationFile maps species to SU/SUB/Alm.
	ClassificationFile = "arter_filter_klassificeret.csv"
	// ThresholdSuffix names the per-region threshold files, e.g. "fyn_bemaerk_parsed.csv".
	ThresholdSuffix = "_bemaerk_parsed.csv"
	// PhenologyFile holds the seasonal windows. It is optional.
	PhenologyFile = "phenology.yaml"
)

// ErrNoTables is returned when no reference tables have ever loaded successfully.
var ErrNoTables = errors.New("no reference tables loaded")

// Tables is one consistent snapshot of the reference data. It is never mutated after loading.
type Tables struct {
	// Classification maps a normalized species name to RareRegional or RareNational.
	Classification map[string]observation.Tier
	// Thresholds maps region slug -> normalized species name -> minimum notable count.
	Thresholds map[string]map[string]float64
	// Phenology maps a normalized species name to its seasonal windows.
	Phenology map[string][]Window
	LoadedAt  time.Time
}

// SpeciesTier returns the table classification of a species, if it is rare.
func (t *Tables) SpeciesTier(species string) (observation.Tier, bool) {
	if t == nil {
		return observation.Ordinary, false
	}
	tier, ok := t.Classification[observation.SpeciesName(species)]
	return tier, ok
}

// Threshold returns the minimum notable count for a species in a region.
func (t *Tables) Threshold(region, species string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	byRegion, ok := t.Thresholds[observation.RegionSlug(region)]
	if !ok {
		return 0, false
	}
	v, ok := byRegion[observation.SpeciesName(species)]
	return v, ok
}

// InSeason reports whether day falls inside any phenology window of the species.
func (t *Tables) InSeason(species string, day time.Time) bool {
	if t == nil || day.IsZero() {
		return false
	}
	for _, w := range t.Phenology[observation.SpeciesName(species)] {
		if w.Contains(day) {
			return true
		}
	}
	return false
}

// Loader reads reference tables from a directory and remembers the last good snapshot.
type Loader struct {
	dir      string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last *Tables
}

// NewLoader creates a loader for dir. Tables are re-read at most once per interval;
// a zero interval re-reads on every call.
func NewLoader(dir string, interval time.Duration, logger *slog.Logger) *Loader {
	return &Loader{
		dir:      dir,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Current returns the tables to classify with. When a reload fails the previous
// snapshot is returned with stale set; ErrNoTables means nothing ever loaded.
func (l *Loader) Current() (tables *Tables, stale bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.last != nil && l.interval > 0 && now.Sub(l.last.LoadedAt) < l.interval {
		return l.last, false, nil
	}

	fresh, err := Load(l.dir)
	if err != nil {
		if l.last == nil {
			return nil, false, fmt.Errorf("%w: %w", ErrNoTables, err)
		}
		l.logger.Warn("Reference tables failed to reload, using last good copy",
			"dir", l.dir,
			"loaded_at", l.last.LoadedAt.Format(time.RFC3339),
			"error", err)
		return l.last, true, nil
	}

	fresh.LoadedAt = now
	l.last = fresh
	l.logger.Debug("Reference tables loaded",
		"dir", l.dir,
		"species", len(fresh.Classification),
		"regions", len(fresh.Thresholds),
		"phenology", len(fresh.Phenology))
	return fresh, false, nil
}

// Load reads every reference table in dir.
func Load(dir string) (*Tables, error) {
	classification, err := loadClassification(filepath.Join(dir, ClassificationFile))
	if err != nil {
		return nil, err
	}

	thresholds, err := loadThresholds(dir)
	if err != nil {
		return nil, err
	}

	phenology, err := loadPhenology(filepath.Join(dir, PhenologyFile))
	if err != nil {
		return nil, err
	}

	return &Tables{
		Classification: classification,
		Thresholds:     thresholds,
		Phenology:      phenology,
	}, nil
}

func loadClassification(path string) (map[string]observation.Tier, error) {
	out := make(map[string]observation.Tier)
	err := readTable(path, func(rec map[string]string) {
		name := observation.SpeciesName(rec["artsnavn"])
		if name == "" {
			return
		}
		tier, ok := observation.ParseTier(rec["klassifikation"])
		if ok && tier.High() {
			out[name] = tier
		}
	})
	if err != nil {
		return nil, fmt.Errorf("load classification: %w", err)
	}
	return out, nil
}

func loadThresholds(dir string) (map[string]map[string]float64, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+ThresholdSuffix))
	if err != nil {
		return nil, fmt.Errorf("glob threshold files: %w", err)
	}

	out := make(map[string]map[string]float64, len(files))
	for _, path := range files {
		slug := strings.TrimSuffix(filepath.Base(path), ThresholdSuffix)
		byName := make(map[string]float64)
		err := readTable(path, func(rec map[string]string) {
			name := observation.SpeciesName(rec["artsnavn"])
			n, convErr := strconv.Atoi(strings.TrimSpace(rec["bemaerk_antal"]))
			if name == "" || convErr != nil {
				return
			}
			byName[name] = float64(n)
		})
		if err != nil {
			return nil, fmt.Errorf("load thresholds %s: %w", slug, err)
		}
		out[slug] = byName
	}
	return out, nil
}

// readTable reads a ';'-delimited file with a header row and calls fn per record.
// A leading UTF-8 byte order mark is dropped.
func readTable(path string, fn func(map[string]string)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close() //nolint:errcheck // read-only

	r := csv.NewReader(transform.NewReader(f, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	r.Comma = ';'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		rec := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(fields) {
				rec[name] = fields[i]
			}
		}
		fn(rec)
	}
}
