// Package metrics exposes prometheus instrumentation for the sync layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared across the sync components. A nil
// *Metrics is valid and turns every record method into a no-op, so components
// can be constructed without instrumentation in tests.
type Metrics struct {
	FetchesTotal      *prometheus.CounterVec
	DedupedFetches    prometheus.Counter
	Invalidations     prometheus.Counter
	EntriesEvicted    prometheus.Counter
	CacheEntries      prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	EventsDispatched  prometheus.Counter
	EventsDropped     prometheus.Counter
	ChannelCount      prometheus.Gauge
	FlushesTotal      prometheus.Counter
	FlushErrors       prometheus.Counter
}

// New registers the sync layer collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_cache_fetches_total",
			Help: "Query fetches issued, labelled by outcome.",
		}, []string{"outcome"}),
		DedupedFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_cache_deduped_fetches_total",
			Help: "Get calls that attached to an already in-flight fetch.",
		}),
		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_cache_invalidations_total",
			Help: "Invalidate calls applied to the query cache.",
		}),
		EntriesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_cache_evictions_total",
			Help: "Entries evicted from memory by the GC sweep.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_cache_entries",
			Help: "Entries currently held in the in-memory query cache.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_realtime_reconnect_attempts_total",
			Help: "Realtime connection attempts after an unexpected disconnect.",
		}),
		EventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_realtime_events_dispatched_total",
			Help: "Realtime change events routed to cache invalidations.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_realtime_events_dropped_total",
			Help: "Realtime events dropped (unknown channel or stale owner).",
		}),
		ChannelCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_realtime_channels",
			Help: "Subscription channels currently joined.",
		}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_persist_flushes_total",
			Help: "Snapshot flushes written to the persisted store.",
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_persist_flush_errors_total",
			Help: "Snapshot flushes that failed; failures are non-fatal.",
		}),
	}

	reg.MustRegister(
		m.FetchesTotal, m.DedupedFetches, m.Invalidations, m.EntriesEvicted,
		m.CacheEntries, m.ReconnectAttempts, m.EventsDispatched, m.EventsDropped,
		m.ChannelCount, m.FlushesTotal, m.FlushErrors,
	)
	return m
}

func (m *Metrics) RecordFetch(outcome string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDedup() {
	if m == nil {
		return
	}
	m.DedupedFetches.Inc()
}

func (m *Metrics) RecordInvalidation() {
	if m == nil {
		return
	}
	m.Invalidations.Inc()
}

func (m *Metrics) RecordEviction(n int) {
	if m == nil {
		return
	}
	m.EntriesEvicted.Add(float64(n))
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) RecordEventDispatched() {
	if m == nil {
		return
	}
	m.EventsDispatched.Inc()
}

func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) SetChannelCount(n int) {
	if m == nil {
		return
	}
	m.ChannelCount.Set(float64(n))
}

func (m *Metrics) RecordFlush(err error) {
	if m == nil {
		return
	}
	m.FlushesTotal.Inc()
	if err != nil {
		m.FlushErrors.Inc()
	}
}
