package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorder(t *testing.T) {
	r := New()

	done := r.RunStarted()
	done(OutcomeSuccess, "")
	done = r.RunStarted()
	done(OutcomeError, "fetch")
	r.ObserveFetch(150*time.Millisecond, 2048, nil)
	r.ObserveFetch(time.Second, 0, errors.New("timeout"))
	r.ObserveReconcile(3, 1, 2, 5)
	r.ObserveSkipped(4)

	out := scrape(t, r.Handler())
	assert.Contains(t, out, `teamfeed_sync_runs_total{error_kind="",outcome="success"} 1`)
	assert.Contains(t, out, `teamfeed_sync_runs_total{error_kind="fetch",outcome="error"} 1`)
	assert.Contains(t, out, `teamfeed_sync_in_flight 0`)
	assert.Contains(t, out, `teamfeed_fetch_duration_seconds_count{result="ok"} 1`)
	assert.Contains(t, out, `teamfeed_fetch_duration_seconds_count{result="error"} 1`)
	assert.Contains(t, out, `teamfeed_reconcile_events_total{action="inserted"} 3`)
	assert.Contains(t, out, `teamfeed_reconcile_events_total{action="unchanged"} 5`)
	assert.Contains(t, out, `teamfeed_normalize_skipped_events_total 4`)
	assert.Contains(t, out, `go_goroutines`)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.RunStarted()(OutcomeSuccess, "")
		r.ObserveFetch(time.Second, 1, nil)
		r.ObserveReconcile(1, 1, 1, 1)
		r.ObserveSkipped(1)
	})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveSkipped(2)
	assert.NotContains(t, scrape(t, b.Handler()), `teamfeed_normalize_skipped_events_total 2`)
}
