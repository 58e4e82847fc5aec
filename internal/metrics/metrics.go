// Package metrics defines the archive's Prometheus metrics.
//
// Metrics are registered on a caller-supplied Registerer so tests can use a
// fresh registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dicomarchive"

// Store outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

// Metrics holds all archive metrics.
type Metrics struct {
	storesTotal       *prometheus.CounterVec
	storeDuration     prometheus.Histogram
	rollbacksTotal    prometheus.Counter
	rollbackFailures  prometheus.Counter
	deletesTotal      *prometheus.CounterVec
	deletedInstances  prometheus.Counter
	reaperDeleted     prometheus.Counter
	reaperFailures    prometheus.Counter
	reaperSweeps      prometheus.Counter
	exhaustedCleanups prometheus.Gauge
	oldestCleanupAge  prometheus.Gauge
	feedReads         *prometheus.CounterVec
	metadataCache     *prometheus.CounterVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		storesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stores_total",
			Help:      "Store requests by outcome.",
		}, []string{"outcome"}),
		storeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_duration_seconds",
			Help:      "Duration of store requests in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		rollbacksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_rollbacks_total",
			Help:      "Store requests rolled back after a backend failure.",
		}),
		rollbackFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_rollback_failures_total",
			Help:      "Rollbacks that failed and left a Creating row behind.",
		}),
		deletesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Delete requests by scope.",
		}, []string{"scope"}),
		deletedInstances: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deleted_instance_versions_total",
			Help:      "Instance versions removed from the index.",
		}),
		reaperDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Instance versions whose content and metadata were physically removed.",
		}),
		reaperFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Failed physical cleanup attempts.",
		}),
		reaperSweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_sweeps_total",
			Help:      "Cleanup sweeps run.",
		}),
		exhaustedCleanups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cleanup_exhausted",
			Help:      "Cleanup records that reached the retry limit.",
		}),
		oldestCleanupAge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cleanup_oldest_age_seconds",
			Help:      "Age of the oldest pending cleanup record.",
		}),
		feedReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changefeed_reads_total",
			Help:      "Change feed reads by kind.",
		}, []string{"kind"}),
		metadataCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_cache_lookups_total",
			Help:      "Metadata cache lookups by result.",
		}, []string{"result"}),
	}
}

// ObserveStore records a finished store request.
func (m *Metrics) ObserveStore(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.storesTotal.WithLabelValues(outcome).Inc()
	m.storeDuration.Observe(d.Seconds())
}

// Rollback records a rollback and whether it failed.
func (m *Metrics) Rollback(failed bool) {
	if m == nil {
		return
	}
	m.rollbacksTotal.Inc()
	if failed {
		m.rollbackFailures.Inc()
	}
}

// Delete records a committed delete of n versions in scope.
func (m *Metrics) Delete(scope string, n int) {
	if m == nil {
		return
	}
	m.deletesTotal.WithLabelValues(scope).Inc()
	m.deletedInstances.Add(float64(n))
}

// Sweep records the result of one cleanup sweep.
func (m *Metrics) Sweep(deleted, failed int) {
	if m == nil {
		return
	}
	m.reaperSweeps.Inc()
	m.reaperDeleted.Add(float64(deleted))
	m.reaperFailures.Add(float64(failed))
}

// SetExhaustedCleanups sets the exhausted cleanup record gauge.
func (m *Metrics) SetExhaustedCleanups(n int) {
	if m == nil {
		return
	}
	m.exhaustedCleanups.Set(float64(n))
}

// SetOldestCleanupAge sets the oldest pending cleanup age; zero when none.
func (m *Metrics) SetOldestCleanupAge(d time.Duration) {
	if m == nil {
		return
	}
	m.oldestCleanupAge.Set(d.Seconds())
}

// FeedRead records a change feed read of kind "page" or "latest".
func (m *Metrics) FeedRead(kind string) {
	if m == nil {
		return
	}
	m.feedReads.WithLabelValues(kind).Inc()
}

// CacheHit and CacheMiss record metadata cache lookups.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.metadataCache.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.metadataCache.WithLabelValues("miss").Inc()
}
