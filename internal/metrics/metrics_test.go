package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStore(OutcomeSuccess, time.Second)
	m.Rollback(true)
	m.Delete("study", 3)
	m.Sweep(1, 1)
	m.SetExhaustedCleanups(2)
	m.SetOldestCleanupAge(time.Minute)
	m.FeedRead("page")
	m.CacheHit()
	m.CacheMiss()
}

func TestRecording(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveStore(OutcomeSuccess, 10*time.Millisecond)
	m.ObserveStore(OutcomeConflict, time.Millisecond)
	m.ObserveStore(OutcomeSuccess, time.Millisecond)
	m.Rollback(false)
	m.Rollback(true)
	m.Delete("series", 4)
	m.SetExhaustedCleanups(7)

	if got := testutil.ToFloat64(m.storesTotal.WithLabelValues(OutcomeSuccess)); got != 2 {
		t.Errorf("stores{success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rollbacksTotal); got != 2 {
		t.Errorf("rollbacks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rollbackFailures); got != 1 {
		t.Errorf("rollback failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.deletedInstances); got != 4 {
		t.Errorf("deleted versions = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.exhaustedCleanups); got != 7 {
		t.Errorf("exhausted = %v, want 7", got)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.FeedRead("latest")

	healthy := true
	h := Handler(reg, func(context.Context) error {
		if !healthy {
			return errors.New("index unavailable")
		}
		return nil
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `dicomarchive_changefeed_reads_total{kind="latest"} 1`) {
		t.Errorf("metrics output missing feed counter:\n%s", body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d, want 200", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy = %d, want 503", rec.Code)
	}
}
