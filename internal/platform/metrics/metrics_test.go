package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRun(t *testing.T) {
	m := New()
	m.ObserveRun("SUCCESS", "", 3*time.Second, 12)
	m.ObserveRun("FAILURE", "MergeError", time.Second, 0)
	m.CleanupFailed()
	m.Skipped("in_flight")
	m.Skipped("in_flight")

	if got := testutil.ToFloat64(m.rowsSynced); got != 12 {
		t.Fatalf("rows_synced_total=%v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("FAILURE", "MergeError")); got != 1 {
		t.Fatalf("runs_total{FAILURE,MergeError}=%v", got)
	}
	if got := testutil.ToFloat64(m.skipped.WithLabelValues("in_flight")); got != 2 {
		t.Fatalf("skipped_total{in_flight}=%v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sheetsync_cleanup_failures_total 1") {
		t.Fatalf("handler status=%d body missing cleanup counter", rec.Code)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRun("SUCCESS", "", time.Second, 1)
	m.Tick()
	m.Dispatched()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("nil handler status=%d", rec.Code)
	}
}
