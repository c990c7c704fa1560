package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"dof-notifier/pkg/observation"
	"dof-notifier/thread"
	"dof-notifier/watch"
)

// StateKey is where the watch state lives.
const StateKey = "state.json"

const (
	dayRoot   = "obs"
	dayLayout = "02-01-2006"
)

// DayPrefix returns the prefix of every document for a polling day ("DD-MM-YYYY").
func DayPrefix(day string) string {
	return path.Join(dayRoot, day)
}

// IndexKey returns the key of a day's thread index.
func IndexKey(day string) string {
	return path.Join(DayPrefix(day), "index.json")
}

// ThreadKey returns the key of one thread's detail document.
func ThreadKey(day, threadID string) string {
	return path.Join(DayPrefix(day), "threads", threadID, "thread.json")
}

// BirthsKey returns the key of a day's birth-time ledger.
func BirthsKey(day string) string {
	return path.Join(DayPrefix(day), "birthtimes.json")
}

func (s *Store) readJSON(ctx context.Context, key string, v any) error {
	data, err := s.Read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w %s: %w", ErrCorrupt, key, err)
	}
	return nil
}

func (s *Store) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Write(ctx, key, data)
}

// LoadState returns the persisted watch state. A state that was never saved, or
// that cannot be decoded, is returned as nil without error so the next cycle
// rebuilds it from the feed; a saved empty state is an empty map. Null entries
// are dropped.
func (s *Store) LoadState(ctx context.Context) (watch.State, error) {
	state := watch.State{}
	err := s.readJSON(ctx, StateKey, &state)
	if IsNotFound(err) {
		s.logger.Info("No watch state found, starting fresh", "key", StateKey)
		return nil, nil
	}
	if errors.Is(err, ErrCorrupt) {
		s.logger.Warn("Discarding unreadable watch state, rebuilding from empty", "key", StateKey, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	for k, e := range state {
		if e == nil {
			delete(state, k)
		}
	}
	return state, nil
}

// SaveState persists the watch state.
func (s *Store) SaveState(ctx context.Context, state watch.State) error {
	if err := s.writeJSON(ctx, StateKey, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	s.logger.Debug("Watch state saved", "keys", len(state))
	return nil
}

// LoadLedger returns the day's birth-time ledger, empty if none exists yet.
func (s *Store) LoadLedger(ctx context.Context, day string) (thread.Ledger, error) {
	ledger := thread.Ledger{}
	err := s.readJSON(ctx, BirthsKey(day), &ledger)
	if IsNotFound(err) {
		return thread.Ledger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load birth times: %w", err)
	}
	return ledger, nil
}

// SaveLedger persists the day's birth-time ledger.
func (s *Store) SaveLedger(ctx context.Context, day string, ledger thread.Ledger) error {
	if err := s.writeJSON(ctx, BirthsKey(day), ledger); err != nil {
		return fmt.Errorf("save birth times: %w", err)
	}
	return nil
}

// WriteDay replaces every thread document of the day and then its index.
// The index is written last so readers never see an entry without its document.
func (s *Store) WriteDay(ctx context.Context, day string, threads map[observation.Key]*thread.Thread, index []thread.Entry) error {
	keys := make([]observation.Key, 0, len(threads))
	for k := range threads {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b observation.Key) int {
		return strings.Compare(threads[a].Entry.ThreadID, threads[b].Entry.ThreadID)
	})

	for _, k := range keys {
		t := threads[k]
		if err := s.writeJSON(ctx, ThreadKey(day, t.Entry.ThreadID), t.Detail()); err != nil {
			return fmt.Errorf("write thread %s: %w", t.Entry.ThreadID, err)
		}
	}
	if index == nil {
		index = []thread.Entry{}
	}
	if err := s.writeJSON(ctx, IndexKey(day), index); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	s.logger.Debug("Day documents written", "day", day, "threads", len(threads))
	return nil
}

// LoadIndex reads a day's thread index.
func (s *Store) LoadIndex(ctx context.Context, day string) ([]thread.Entry, error) {
	var index []thread.Entry
	if err := s.readJSON(ctx, IndexKey(day), &index); err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	return index, nil
}

// LoadThread reads one thread's detail document.
func (s *Store) LoadThread(ctx context.Context, day, threadID string) (*thread.Detail, error) {
	var detail thread.Detail
	if err := s.readJSON(ctx, ThreadKey(day, threadID), &detail); err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	return &detail, nil
}

// PruneDays deletes every day document dated before cutoff and reports how many
// were removed. Keys under the day root that do not carry a day are left alone.
func (s *Store) PruneDays(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := s.List(ctx, dayRoot)
	if err != nil {
		return 0, fmt.Errorf("list day documents: %w", err)
	}
	cutoffDay := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC)

	deleted := 0
	for _, key := range keys {
		rest, ok := strings.CutPrefix(key, dayRoot+"/")
		if !ok {
			continue
		}
		day, _, _ := strings.Cut(rest, "/")
		t, err := time.Parse(dayLayout, day)
		if err != nil || !t.Before(cutoffDay) {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			return deleted, fmt.Errorf("prune %s: %w", key, err)
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("Old day documents pruned", "before", cutoffDay.Format(dayLayout), "deleted", deleted)
	}
	return deleted, nil
}
