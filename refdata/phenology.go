package refdata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"dof-notifier/pkg/observation"

	"gopkg.in/yaml.v3"
)

// MonthDay is a calendar day without a year, written "MM-DD".
type MonthDay struct {
	Month time.Month
	Day   int
}

// ParseMonthDay parses "MM-DD".
func ParseMonthDay(s string) (MonthDay, error) {
	t, err := time.Parse("01-02", s)
	if err != nil {
		return MonthDay{}, fmt.Errorf("parse month-day %q: %w", s, err)
	}
	return MonthDay{Month: t.Month(), Day: t.Day()}, nil
}

func (md MonthDay) ordinal() int {
	return int(md.Month)*100 + md.Day
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (md *MonthDay) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseMonthDay(node.Value)
	if err != nil {
		return err
	}
	*md = v
	return nil
}

// Window is an inclusive seasonal range. A window whose start is after its end
// wraps the new year ("11-15" to "02-28").
type Window struct {
	From MonthDay `yaml:"from"`
	To   MonthDay `yaml:"to"`
}

// Contains reports whether day's month and day fall within the window.
func (w Window) Contains(day time.Time) bool {
	d := MonthDay{Month: day.Month(), Day: day.Day()}.ordinal()
	from, to := w.From.ordinal(), w.To.ordinal()
	if from <= to {
		return d >= from && d <= to
	}
	return d >= from || d <= to
}

type phenologyFile struct {
	Windows []struct {
		Species string `yaml:"species"`
		Window  `yaml:",inline"`
	} `yaml:"windows"`
}

func loadPhenology(path string) (map[string][]Window, error) {
	out := make(map[string][]Window)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read phenology: %w", err)
	}

	var doc phenologyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse phenology: %w", err)
	}
	for _, w := range doc.Windows {
		name := observation.SpeciesName(w.Species)
		if name == "" {
			continue
		}
		out[name] = append(out[name], w.Window)
	}
	return out, nil
}
