package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dof-notifier/dispatch"
	"dof-notifier/poll"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoller struct {
	sum *poll.Summary
	err error
}

func (f *fakePoller) RunCycle(context.Context) (*poll.Summary, error) {
	return f.sum, f.err
}

func newServer(p Poller) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "dofnotifier_test_total", Help: "test"}))
	return New(p, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHealth(t *testing.T) {
	h := newServer(&fakePoller{}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		poller     *fakePoller
		wantCode   int
		wantStatus string
	}{
		{
			name:   "completed",
			method: http.MethodPost,
			poller: &fakePoller{sum: &poll.Summary{
				CycleID: "c1", Day: "14-05-2025", Rows: 3, Changed: 1, Alerts: 1,
				Dispatch: &dispatch.Result{Sent: 2, Pruned: 1},
			}},
			wantCode:   http.StatusOK,
			wantStatus: "completed",
		},
		{
			name:       "fetch failed",
			method:     http.MethodPost,
			poller:     &fakePoller{sum: &poll.Summary{FetchFailed: true}},
			wantCode:   http.StatusOK,
			wantStatus: "fetch_failed",
		},
		{
			name:       "busy",
			method:     http.MethodPost,
			poller:     &fakePoller{err: poll.ErrBusy},
			wantCode:   http.StatusConflict,
			wantStatus: "busy",
		},
		{
			name:     "error",
			method:   http.MethodPost,
			poller:   &fakePoller{err: errors.New("no tables")},
			wantCode: http.StatusInternalServerError,
		},
		{
			name:     "wrong method",
			method:   http.MethodGet,
			poller:   &fakePoller{},
			wantCode: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newServer(tt.poller).Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, "/pollz", nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantStatus == "" {
				return
			}
			var resp pollResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
		})
	}
}

func TestPollReportsDispatch(t *testing.T) {
	p := &fakePoller{sum: &poll.Summary{CycleID: "c1", Dispatch: &dispatch.Result{Sent: 2, Pruned: 1}}}
	rec := httptest.NewRecorder()
	newServer(p).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", nil))

	var resp pollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Sent)
	assert.Equal(t, 1, resp.Pruned)
}

func TestMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(&fakePoller{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dofnotifier_test_total"))
}
