// Package maintain implements the training and maintenance component:
// codec fit and incremental re-fit, index (re)build, and the
// dirty-watermark sync worker that keeps the Federated Vector Index
// consistent with the Concept Store. Counters are backed by Prometheus
// collectors wrapped in a small registry, so the core never forces a
// /metrics exposition server on embedders of the library — that belongs to
// the orchestration shell.
package maintain

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arborithm/noeticore/concept"
)

// Stats is a point-in-time snapshot of the core's health. It is a plain
// struct so callers never need a Prometheus client to read it.
type Stats struct {
	L1Size         int
	L2Size         int
	StaleCount     int
	RelationEdges  map[concept.Relation]int
	SyncInserts    int64
	SyncRemovals   int64
	SyncReencodes  int64
	FitCount       int64
	LastFitAt      time.Time
	RefitScheduled int64
	AlarmCount     int64
}

// Registry wraps the Prometheus collectors backing Stats, namespaced
// "noeticore_maintain". Each Prometheus counter is paired with a plain
// atomic counter so Snapshot can read current values back without depending
// on a Prometheus client for introspection.
type Registry struct {
	syncInserts   prometheus.Counter
	syncRemovals  prometheus.Counter
	syncReencodes prometheus.Counter
	fitTotal      prometheus.Counter
	refitSched    prometheus.Counter
	alarmTotal    prometheus.Counter
	lastFitGauge  prometheus.Gauge

	nInserts    atomic.Int64
	nRemovals   atomic.Int64
	nReencodes  atomic.Int64
	nFits       atomic.Int64
	nRefitSched atomic.Int64
	nAlarms     atomic.Int64
	lastFitAt   atomic.Int64 // unix seconds
}

// NewRegistry constructs and registers a Registry against reg. Passing a
// fresh prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps repeated test construction collision-free; reg may be nil to skip
// registration entirely (tests that only care about the Stats snapshot).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		syncInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noeticore", Subsystem: "maintain", Name: "sync_inserts_total",
			Help: "Index entries inserted or updated by the sync worker.",
		}),
		syncRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noeticore", Subsystem: "maintain", Name: "sync_removals_total",
			Help: "Index entries removed by the sync worker.",
		}),
		syncReencodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noeticore", Subsystem: "maintain", Name: "sync_reencodes_total",
			Help: "Stale hypervectors re-encoded by the sync worker.",
		}),
		fitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noeticore", Subsystem: "maintain", Name: "codec_fit_total",
			Help: "Completed codec fit/re-fit operations.",
		}),
		refitSched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noeticore", Subsystem: "maintain", Name: "refit_scheduled_total",
			Help: "Incremental refits scheduled due to the changed-embedding threshold.",
		}),
		alarmTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noeticore", Subsystem: "maintain", Name: "alarm_total",
			Help: "Persistent maintenance failures raised as an alarm.",
		}),
		lastFitGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noeticore", Subsystem: "maintain", Name: "last_fit_unixtime",
			Help: "Unix timestamp of the last successful codec fit.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.syncInserts, r.syncRemovals, r.syncReencodes, r.fitTotal, r.refitSched, r.alarmTotal, r.lastFitGauge)
	}
	return r
}

func (r *Registry) recordInsert() {
	r.syncInserts.Inc()
	r.nInserts.Add(1)
}

func (r *Registry) recordRemoval() {
	r.syncRemovals.Inc()
	r.nRemovals.Add(1)
}

func (r *Registry) recordReencode() {
	r.syncReencodes.Inc()
	r.nReencodes.Add(1)
}

func (r *Registry) recordAlarm() {
	r.alarmTotal.Inc()
	r.nAlarms.Add(1)
}

func (r *Registry) recordRefitScheduled() {
	r.refitSched.Inc()
	r.nRefitSched.Add(1)
}

func (r *Registry) recordFit(at time.Time) {
	r.fitTotal.Inc()
	r.nFits.Add(1)
	r.lastFitGauge.Set(float64(at.Unix()))
	r.lastFitAt.Store(at.Unix())
}

// Snapshot returns the current counter values, with l1Size/l2Size/staleCount
// filled in by the caller from a fresh index/store read.
func (r *Registry) Snapshot(l1Size, l2Size, staleCount int) Stats {
	var lastFit time.Time
	if unix := r.lastFitAt.Load(); unix > 0 {
		lastFit = time.Unix(unix, 0).UTC()
	}
	return Stats{
		L1Size:         l1Size,
		L2Size:         l2Size,
		StaleCount:     staleCount,
		SyncInserts:    r.nInserts.Load(),
		SyncRemovals:   r.nRemovals.Load(),
		SyncReencodes:  r.nReencodes.Load(),
		FitCount:       r.nFits.Load(),
		LastFitAt:      lastFit,
		RefitScheduled: r.nRefitSched.Load(),
		AlarmCount:     r.nAlarms.Load(),
	}
}
