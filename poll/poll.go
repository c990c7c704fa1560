// Package poll runs the polling cycle: fetch, classify, diff, aggregate, dispatch, commit.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dof-notifier/classify"
	"dof-notifier/dispatch"
	"dof-notifier/metrics"
	"dof-notifier/pkg/observation"
	"dof-notifier/refdata"
	"dof-notifier/thread"
	"dof-notifier/watch"

	"github.com/google/uuid"
)

// DayLayout formats the polling day.
const DayLayout = "02-01-2006"

// ErrBusy is returned when a cycle is already running.
var ErrBusy = errors.New("cycle already running")

// Fetcher interface for the day's observation export.
type Fetcher interface {
	FetchRows(ctx context.Context, day string) ([]observation.Row, error)
}

// Store interface for watch state and day documents.
type Store interface {
	LoadState(ctx context.Context) (watch.State, error)
	SaveState(ctx context.Context, state watch.State) error
	LoadLedger(ctx context.Context, day string) (thread.Ledger, error)
	SaveLedger(ctx context.Context, day string, ledger thread.Ledger) error
	WriteDay(ctx context.Context, day string, threads map[observation.Key]*thread.Thread, index []thread.Entry) error
	PruneDays(ctx context.Context, cutoff time.Time) (int, error)
}

// Tables interface for reference data.
type Tables interface {
	Current() (*refdata.Tables, bool, error)
}

// Dispatcher interface for fan-out.
type Dispatcher interface {
	Dispatch(ctx context.Context, day string, alerts []watch.Alert) (*dispatch.Result, error)
}

// PipelineContext is everything one cycle works on.
type PipelineContext struct {
	CycleID string
	Now     time.Time
	Day     string
	Tables  *refdata.Tables
	// Stale is set when Tables are older tables kept after a failed reload.
	Stale bool
	// State is the previous cycle's watch state; nil on first boot.
	State watch.State
}

// FirstRun reports whether no watch state has ever been committed.
func (p *PipelineContext) FirstRun() bool {
	return p.State == nil
}

// Summary describes a finished cycle.
type Summary struct {
	CycleID     string
	Day         string
	Rows        int
	Changed     int
	Alerts      int
	Threads     int
	FetchFailed bool
	Stale       bool
	Dispatch    *dispatch.Result
	Duration    time.Duration
}

// Monitor handles the polling cycle.
type Monitor struct {
	fetcher    Fetcher
	store      Store
	tables     Tables
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	location   *time.Location
	now        func() time.Time

	running    sync.Mutex
	mu         sync.Mutex
	lastChange time.Time

	// retainDays is how many past days of documents are kept; zero keeps everything.
	retainDays int
	prunedDay  string
}

// New creates a new poll monitor. Days are computed in location; m may be nil.
func New(fetcher Fetcher, store Store, tables Tables, dispatcher Dispatcher, location *time.Location, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if location == nil {
		location = time.UTC
	}
	return &Monitor{
		fetcher:    fetcher,
		store:      store,
		tables:     tables,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		location:   location,
		now:        time.Now,
	}
}

// SetRetention sets how many past days of documents are kept. Older days are
// deleted once per polling day; zero disables pruning.
func (m *Monitor) SetRetention(days int) {
	m.retainDays = max(days, 0)
}

func (m *Monitor) prepare(ctx context.Context) (*PipelineContext, error) {
	now := m.now().In(m.location)
	pc := &PipelineContext{
		CycleID: uuid.NewString(),
		Now:     now,
		Day:     now.Format(DayLayout),
	}

	tables, stale, err := m.tables.Current()
	if err != nil {
		return nil, fmt.Errorf("load reference tables: %w", err)
	}
	pc.Tables, pc.Stale = tables, stale
	m.metrics.SetRefdataStale(stale)

	state, err := m.store.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	pc.State = state
	return pc, nil
}

// RunCycle runs one polling cycle. A failed fetch is logged and leaves the state
// untouched; it is not an error. The watch state is committed only after every
// delivery of the cycle has finished.
func (m *Monitor) RunCycle(ctx context.Context) (*Summary, error) {
	if !m.running.TryLock() {
		return nil, ErrBusy
	}
	defer m.running.Unlock()

	start := time.Now()
	pc, err := m.prepare(ctx)
	if err != nil {
		m.metrics.ObserveCycle("error", time.Since(start))
		return nil, err
	}

	sum, err := m.run(ctx, pc)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case sum.FetchFailed:
		result = "fetch_error"
	}
	m.metrics.ObserveCycle(result, time.Since(start))
	if err != nil {
		return nil, err
	}
	sum.Duration = time.Since(start)

	m.logger.Info("Cycle completed",
		"cycle_id", sum.CycleID,
		"day", sum.Day,
		"rows", sum.Rows,
		"changed", sum.Changed,
		"alerts", sum.Alerts,
		"threads", sum.Threads,
		"fetch_failed", sum.FetchFailed,
		"duration_ms", sum.Duration.Milliseconds())
	return sum, nil
}

func (m *Monitor) run(ctx context.Context, pc *PipelineContext) (*Summary, error) {
	logger := m.logger.With("cycle_id", pc.CycleID, "day", pc.Day)
	sum := &Summary{CycleID: pc.CycleID, Day: pc.Day, Stale: pc.Stale}

	logger.Info("Cycle starting", "first_run", pc.FirstRun(), "stale_tables", pc.Stale)

	rows, err := m.fetcher.FetchRows(ctx, pc.Day)
	if err != nil {
		logger.Warn("Fetch failed, skipping cycle", "error", err)
		sum.FetchFailed = true
		return sum, nil
	}
	sum.Rows = len(rows)

	classified := classify.All(rows, pc.Tables)
	byTier := make(map[string]int)
	for i := range classified {
		byTier[classified[i].Tier.String()]++
	}
	m.metrics.ObserveRows(len(rows), byTier)

	diff := watch.Diff(pc.State, rows)
	sum.Changed = len(diff.Changed)

	m.writeThreads(ctx, logger, pc, classified, sum)
	m.pruneDays(ctx, logger, pc)

	alerts := watch.Notifications(classified, diff, pc.FirstRun())
	sum.Alerts = len(alerts)
	m.metrics.ObserveDiff(sum.Changed, sum.Alerts)
	if sum.Changed > 0 {
		m.mu.Lock()
		m.lastChange = pc.Now
		m.mu.Unlock()
	}

	res, err := m.dispatcher.Dispatch(ctx, pc.Day, alerts)
	if err != nil {
		// Uncommitted state makes the next cycle derive the same alerts again.
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	sum.Dispatch = res

	if err := m.store.SaveState(ctx, diff.Next); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	return sum, nil
}

// writeThreads records birth times and rewrites the day's thread documents.
// Failures are logged; they never block notifications.
func (m *Monitor) writeThreads(ctx context.Context, logger *slog.Logger, pc *PipelineContext, classified []classify.Classified, sum *Summary) {
	ledger, err := m.store.LoadLedger(ctx, pc.Day)
	if err != nil {
		logger.Warn("Failed to load birth times, starting a new ledger", "error", err)
		ledger = thread.Ledger{}
	}
	if added := ledger.Record(classified, pc.Now); added > 0 {
		if err := m.store.SaveLedger(ctx, pc.Day, ledger); err != nil {
			logger.Warn("Failed to save birth times", "error", err)
		}
	}

	threads, index := thread.Build(pc.Day, classified, ledger)
	sum.Threads = len(threads)
	if err := m.store.WriteDay(ctx, pc.Day, threads, index); err != nil {
		logger.Warn("Failed to write thread documents", "error", err)
	}
}

// pruneDays drops documents older than the retention window, at most once per day.
// Failures are logged and retried next cycle.
func (m *Monitor) pruneDays(ctx context.Context, logger *slog.Logger, pc *PipelineContext) {
	if m.retainDays == 0 || m.prunedDay == pc.Day {
		return
	}
	cutoff := pc.Now.AddDate(0, 0, -m.retainDays)
	if _, err := m.store.PruneDays(ctx, cutoff); err != nil {
		logger.Warn("Failed to prune old day documents", "error", err)
		return
	}
	m.prunedDay = pc.Day
}

// Run polls until ctx is done, waiting calculateInterval between cycles.
func (m *Monitor) Run(ctx context.Context, base time.Duration) {
	for {
		if _, err := m.RunCycle(ctx); err != nil && !errors.Is(err, ErrBusy) {
			m.logger.Error("Cycle failed", "error", err)
		}

		m.mu.Lock()
		lastChange := m.lastChange
		m.mu.Unlock()
		now := m.now().In(m.location)
		interval := calculateInterval(base, lastChange, now)
		m.logger.Debug("Next cycle scheduled", "interval", interval.String())

		select {
		case <-ctx.Done():
			m.logger.Info("Polling stopped", "error", ctx.Err())
			return
		case <-time.After(interval):
		}
	}
}

// calculateInterval polls at the base rate while observations keep changing and
// backs off when the feed is quiet or it is night.
func calculateInterval(base time.Duration, lastChange, now time.Time) time.Duration {
	if hour := now.Hour(); hour >= 23 || hour < 4 {
		return 6 * base
	}
	if lastChange.IsZero() {
		return base
	}

	sinceChange := now.Sub(lastChange)
	switch {
	case sinceChange < 30*time.Minute:
		return base
	case sinceChange < 2*time.Hour:
		return 2 * base
	default:
		return 4 * base
	}
}
