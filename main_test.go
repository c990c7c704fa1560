package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dof-notifier/config"
	"dof-notifier/prefs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFollow(t *testing.T) {
	tests := []struct {
		in       string
		day      string
		threadID string
		wantErr  bool
	}{
		{in: "14-05-2025/silkehejre-123", day: "14-05-2025", threadID: "silkehejre-123"},
		{in: "14-05-2025/", wantErr: true},
		{in: "silkehejre-123", wantErr: true},
		{in: "2025-05-14/silkehejre-123", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			day, threadID, err := parseFollow(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.day, day)
			assert.Equal(t, tt.threadID, threadID)
		})
	}
}

func TestServeAndPollWaitsForPolling(t *testing.T) {
	var finished atomic.Bool
	loop := func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	}

	err := serveAndPoll(context.Background(), func(context.Context) error {
		return errors.New("listen: address in use")
	}, loop)
	require.EqualError(t, err, "listen: address in use")
	assert.True(t, finished.Load(), "polling returned before serveAndPoll")

	finished.Store(false)
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	err = serveAndPoll(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, loop)
	require.NoError(t, err)
	assert.True(t, finished.Load())
}

func TestNewLogger(t *testing.T) {
	logger := newLogger(config.LogConfig{Level: "warn", Format: "text"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger = newLogger(config.LogConfig{Level: "bogus"})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "once", "subscribe", "unsubscribe", "keys"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestKeysCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"keys"})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "DOFNOT_PUSH_VAPID_PUBLIC_KEY="))
	assert.True(t, strings.HasPrefix(lines[1], "DOFNOT_PUSH_VAPID_PRIVATE_KEY="))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "prefs.db")
	cfgPath := writeFile(t, dir, "config.yaml", "prefs:\n  path: "+dbPath+"\nstorage:\n  local_path: "+filepath.Join(dir, "state")+"\nlog:\n  level: error\n")
	prefsPath := writeFile(t, dir, "prefs.json", `{"DOF Fyn": "Bemærk", "obserkode": "JJ123"}`)
	endpointPath := writeFile(t, dir, "endpoint.json", `{"kind": "email", "address": "jens@example.com"}`)

	root := newRootCmd()
	root.SetArgs([]string{
		"--config", cfgPath, "subscribe",
		"--user", "user-1", "--device", "dev-1",
		"--prefs", prefsPath, "--endpoint", endpointPath,
		"--follow", "14-05-2025/silkehejre-123",
	})
	require.NoError(t, root.Execute())

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := prefs.Open(ctx, dbPath, logger)
	require.NoError(t, err)
	subs, err := store.ListSubscribersWithEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "JJ123", subs[0].Profile.ReporterCode)
	assert.Equal(t, "email", subs[0].Endpoint.Kind())
	threads, err := store.ThreadSubs(ctx, "user-1", "dev-1", "14-05-2025")
	require.NoError(t, err)
	assert.Equal(t, []string{"silkehejre-123"}, threads)
	require.NoError(t, store.Close())

	root = newRootCmd()
	root.SetArgs([]string{"--config", cfgPath, "unsubscribe", "--user", "user-1", "--device", "dev-1"})
	require.NoError(t, root.Execute())

	store, err = prefs.Open(ctx, dbPath, logger)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck // test cleanup
	subs, err = store.ListSubscribersWithEndpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscribeRejectsUnknownEndpoint(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "prefs:\n  path: "+filepath.Join(dir, "prefs.db")+"\nlog:\n  level: error\n")
	endpointPath := writeFile(t, dir, "endpoint.json", `{"address": "x"}`)

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", cfgPath, "subscribe", "--user", "u", "--device", "d", "--endpoint", endpointPath})
	assert.Error(t, root.Execute())
}
