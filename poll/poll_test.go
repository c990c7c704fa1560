package poll

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dof-notifier/dispatch"
	"dof-notifier/match"
	"dof-notifier/pkg/observation"
	"dof-notifier/prefs"
	"dof-notifier/push"
	"dof-notifier/refdata"
	"dof-notifier/storage"
	"dof-notifier/watch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	rows []observation.Row
	err  error
	days []string
}

func (f *fakeFetcher) FetchRows(_ context.Context, day string) ([]observation.Row, error) {
	f.days = append(f.days, day)
	return f.rows, f.err
}

type fakeTables struct {
	tables *refdata.Tables
	stale  bool
	err    error
}

func (f *fakeTables) Current() (*refdata.Tables, bool, error) {
	return f.tables, f.stale, f.err
}

type recordingDispatcher struct {
	calls [][]watch.Alert
	err   error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, _ string, alerts []watch.Alert) (*dispatch.Result, error) {
	r.calls = append(r.calls, alerts)
	return &dispatch.Result{Matched: len(alerts)}, r.err
}

var rareTables = &refdata.Tables{
	Classification: map[string]observation.Tier{"silkehejre": observation.RareRegional},
}

var silkehejre = observation.Row{
	Date: "14-05-2025", Species: "Silkehejre", LocationID: "123", LocationName: "Kolding Fjord",
	Count: "1", Region: "DOF Fyn", ObsID: "A1", ReporterCode: "R9",
}

func newMonitor(t *testing.T, fetcher Fetcher, d Dispatcher) (*Monitor, *storage.Store) {
	t.Helper()
	store := storage.New(nil, "", t.TempDir(), discard())
	m := New(fetcher, store, &fakeTables{tables: rareTables}, d, time.UTC, nil, discard())
	m.now = func() time.Time { return time.Date(2025, 5, 14, 9, 30, 0, 0, time.UTC) }
	return m, store
}

func TestRunCycleSilkehejreScenario(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{rows: []observation.Row{silkehejre}}
	d := &recordingDispatcher{}
	m, store := newMonitor(t, fetcher, d)

	sum, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "14-05-2025", sum.Day)
	assert.Equal(t, []string{"14-05-2025"}, fetcher.days)
	assert.Equal(t, 1, sum.Changed)
	assert.Equal(t, 1, sum.Alerts)
	assert.Equal(t, 1, sum.Threads)
	require.Len(t, d.calls, 1)
	assert.Equal(t, observation.RareRegional, d.calls[0][0].Tier)

	state, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.Contains(t, state, observation.Key{Species: "Silkehejre", Location: "123"})

	detail, err := store.LoadThread(ctx, "14-05-2025", "silkehejre-123")
	require.NoError(t, err)
	assert.Equal(t, "09:30", detail.BirthTime)

	sum, err = m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Changed)
	assert.Zero(t, sum.Alerts)
	require.Len(t, d.calls, 2)
	assert.Empty(t, d.calls[1])
}

func TestRunCycleFetchFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{rows: []observation.Row{silkehejre}}
	d := &recordingDispatcher{}
	m, store := newMonitor(t, fetcher, d)

	_, err := m.RunCycle(ctx)
	require.NoError(t, err)
	before, err := store.LoadState(ctx)
	require.NoError(t, err)

	fetcher.err = errors.New("timeout")
	sum, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, sum.FetchFailed)
	assert.Len(t, d.calls, 1, "nothing dispatched")

	after, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunCycleDispatchFailureDoesNotCommit(t *testing.T) {
	ctx := context.Background()
	d := &recordingDispatcher{err: errors.New("prefs unavailable")}
	m, store := newMonitor(t, &fakeFetcher{rows: []observation.Row{silkehejre}}, d)

	_, err := m.RunCycle(ctx)
	require.Error(t, err)

	state, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state, "state stays uncommitted")

	d.err = nil
	sum, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Alerts, "the same alert is derived again")
}

func TestRunCycleRebuildsUnreadableState(t *testing.T) {
	ctx := context.Background()
	d := &recordingDispatcher{}
	m, store := newMonitor(t, &fakeFetcher{rows: []observation.Row{silkehejre}}, d)
	require.NoError(t, store.Write(ctx, storage.StateKey, []byte(`{`)))

	sum, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Alerts, "treated as a first run: rarities are announced")
	require.Len(t, d.calls, 1)

	state, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.Contains(t, state, observation.Key{Species: "Silkehejre", Location: "123"}, "a fresh state is committed")

	sum, err = m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Alerts)
}

func TestRunCycleStateReadError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, storage.StateKey), 0o750))
	store := storage.New(nil, "", dir, discard())
	d := &recordingDispatcher{}
	m := New(&fakeFetcher{rows: []observation.Row{silkehejre}}, store, &fakeTables{tables: rareTables}, d, time.UTC, nil, discard())

	_, err := m.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, strings.Count(err.Error(), "load state"), err.Error())
	assert.Empty(t, d.calls)
}

func TestRunCycleNullStateEntry(t *testing.T) {
	ctx := context.Background()
	d := &recordingDispatcher{}
	m, store := newMonitor(t, &fakeFetcher{rows: []observation.Row{silkehejre}}, d)
	require.NoError(t, store.Write(ctx, storage.StateKey, []byte(`{"Silkehejre|123": null}`)))

	var sum *Summary
	var err error
	require.NotPanics(t, func() { sum, err = m.RunCycle(ctx) })
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Changed)

	state, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.NotNil(t, state[observation.Key{Species: "Silkehejre", Location: "123"}])
}

func TestRunCyclePrunesOldDays(t *testing.T) {
	ctx := context.Background()
	m, store := newMonitor(t, &fakeFetcher{rows: []observation.Row{silkehejre}}, &recordingDispatcher{})
	m.SetRetention(7)
	require.NoError(t, store.Write(ctx, storage.IndexKey("01-05-2025"), []byte(`[]`)))
	require.NoError(t, store.Write(ctx, storage.IndexKey("10-05-2025"), []byte(`[]`)))

	_, err := m.RunCycle(ctx)
	require.NoError(t, err)

	_, err = store.Read(ctx, storage.IndexKey("01-05-2025"))
	assert.True(t, storage.IsNotFound(err))
	_, err = store.Read(ctx, storage.IndexKey("10-05-2025"))
	assert.NoError(t, err)
	_, err = store.Read(ctx, storage.IndexKey("14-05-2025"))
	assert.NoError(t, err)
}

func TestRunCycleNoTables(t *testing.T) {
	store := storage.New(nil, "", t.TempDir(), discard())
	m := New(&fakeFetcher{}, store, &fakeTables{err: refdata.ErrNoTables}, &recordingDispatcher{}, time.UTC, nil, discard())

	_, err := m.RunCycle(context.Background())
	assert.ErrorIs(t, err, refdata.ErrNoTables)
}

func TestRunCycleFirstRunOnlyAnnouncesRarities(t *testing.T) {
	ctx := context.Background()
	ordinary := observation.Row{Date: "14-05-2025", Species: "Solsort", LocationID: "1", Count: "2", ObsID: "B1"}
	d := &recordingDispatcher{}
	m, _ := newMonitor(t, &fakeFetcher{rows: []observation.Row{silkehejre, ordinary}}, d)

	_, err := m.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, d.calls, 1)
	require.Len(t, d.calls[0], 1)
	assert.Equal(t, "A1", d.calls[0][0].ObsID)
}

func TestRunCycleBusy(t *testing.T) {
	m, _ := newMonitor(t, &fakeFetcher{}, &recordingDispatcher{})
	m.running.Lock()
	defer m.running.Unlock()

	_, err := m.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
}

type directory struct {
	subs []prefs.Subscription
}

func (d *directory) ListSubscribersWithEndpoints(context.Context) ([]prefs.Subscription, error) {
	return d.subs, nil
}

func (d *directory) DeletePushEndpoint(context.Context, string, string) error { return nil }

type countingSender struct {
	mu   sync.Mutex
	tags []string
}

func (c *countingSender) Send(_ context.Context, _ push.Endpoint, p push.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = append(c.tags, p.Tag)
	return nil
}

func TestPipelineNoDoubleNotify(t *testing.T) {
	ctx := context.Background()
	dir := &directory{subs: []prefs.Subscription{{
		Profile: &match.Profile{SubscriberID: "u1", Floors: map[string]match.Floor{"fyn": match.FloorNotable}},
		Endpoint: push.Endpoint{
			SubscriberID: "u1",
			DeviceID:     "d1",
			Descriptor:   json.RawMessage(`{"endpoint":"https://push.example/1"}`),
		},
	}}}
	sender := &countingSender{}
	m, _ := newMonitor(t, &fakeFetcher{rows: []observation.Row{silkehejre}}, dispatch.New(dir, sender, dispatch.Options{}, nil, discard()))

	for range 3 {
		_, err := m.RunCycle(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"silkehejre-123-A1"}, sender.tags)
}

func TestCalculateInterval(t *testing.T) {
	base := 5 * time.Minute
	noon := time.Date(2025, 5, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		lastChange time.Time
		now        time.Time
		want       time.Duration
	}{
		{"never changed", time.Time{}, noon, base},
		{"recent change", noon.Add(-10 * time.Minute), noon, base},
		{"quiet hour", noon.Add(-time.Hour), noon, 2 * base},
		{"quiet afternoon", noon.Add(-5 * time.Hour), noon, 4 * base},
		{"night", noon.Add(-time.Minute), time.Date(2025, 5, 14, 2, 0, 0, 0, time.UTC), 6 * base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calculateInterval(base, tt.lastChange, tt.now))
		})
	}
}
