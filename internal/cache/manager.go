// Package cache implements the in-memory query cache: stale-while-revalidate
// reads, in-flight fetch deduplication, prefix invalidation and snapshot
// hydration for cold starts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pulsefit/sync_layer/internal/metrics"
	"github.com/pulsefit/sync_layer/pkg/logger"
)

// ErrUnauthorized marks a fetch rejected by the backend (401/403). It is
// terminal: the entry is not retried until a manual invalidate.
var ErrUnauthorized = errors.New("cache: fetch unauthorized")

// ErrNoFetcher is returned when a miss cannot be filled because no fetcher
// was supplied for the key.
var ErrNoFetcher = errors.New("cache: no fetcher for key")

// Fetcher loads the payload for a key from the network.
type Fetcher func(ctx context.Context, key Key) ([]byte, error)

// Options are per-query overrides. Zero values fall back to the manager
// defaults.
type Options struct {
	StaleAfter time.Duration
	GCAfter    time.Duration
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	DefaultStaleAfter time.Duration
	DefaultGCAfter    time.Duration
	Retry             RetryPolicy
	Log               *logger.Logger
	Metrics           *metrics.Metrics

	// OnDirty is invoked after any mutation that should eventually reach the
	// persisted store. It runs with the manager lock held and must not call
	// back into the manager; a non-blocking channel send is the intended use.
	OnDirty func()
}

// Manager is the query cache. All entry state is guarded by mu; the only
// things callers wait on outside the lock are in-flight fetch channels, so no
// partial entry is ever observable.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	defaultStale time.Duration
	defaultGC    time.Duration
	retry        RetryPolicy
	log          *logger.Logger
	metrics      *metrics.Metrics
	onDirty      func()
	now          func() time.Time
}

// NewManager builds a query cache manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Log == nil {
		opts.Log = logger.NewDefault("cache")
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.DefaultStaleAfter == 0 {
		opts.DefaultStaleAfter = 30 * time.Second
	}
	if opts.DefaultGCAfter == 0 {
		opts.DefaultGCAfter = 10 * time.Minute
	}
	return &Manager{
		entries:      make(map[string]*entry),
		defaultStale: opts.DefaultStaleAfter,
		defaultGC:    opts.DefaultGCAfter,
		retry:        opts.Retry,
		log:          opts.Log,
		metrics:      opts.Metrics,
		onDirty:      opts.OnDirty,
		now:          time.Now,
	}
}

// Get returns the cached value for key, fetching on a miss. A fresh hit
// returns immediately. A stale hit returns the cached data and schedules a
// single background refetch. A miss blocks until the (possibly shared)
// in-flight fetch resolves or ctx is done.
func (m *Manager) Get(ctx context.Context, key Key, fetch Fetcher, opts Options) (Result, error) {
	m.mu.Lock()
	e := m.ensure(key, fetch, opts)
	now := m.now()
	e.lastAccess = now

	if e.fresh(now) {
		res := e.result()
		m.mu.Unlock()
		return res, nil
	}

	if e.data != nil {
		// Stale-while-revalidate: hand back what we have, refresh behind it.
		if e.inflight == nil && !e.terminal && e.fetcher != nil {
			m.startFetch(e, true)
		}
		res := e.result()
		m.mu.Unlock()
		return res, nil
	}

	if e.terminal {
		res := e.result()
		m.mu.Unlock()
		return res, e.err
	}
	if e.fetcher == nil {
		m.mu.Unlock()
		return Result{}, ErrNoFetcher
	}

	fl := e.inflight
	if fl != nil {
		m.metrics.RecordDedup()
	} else {
		fl = m.startFetch(e, false)
	}
	m.mu.Unlock()

	select {
	case <-fl.done:
	case <-ctx.Done():
		return Result{Status: StatusFetching, IsFetching: true}, ctx.Err()
	}

	res := m.Peek(key)
	if fl.err != nil {
		return res, fl.err
	}
	return res, nil
}

// Peek returns the current entry state without triggering any fetch.
func (m *Manager) Peek(key Key) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.ID()]
	if !ok {
		return Result{Status: StatusIdle}
	}
	return e.result()
}

// SetData writes data for key directly, e.g. after a mutation response.
// FetchedAt advances monotonically, so in-flight fetches issued earlier can
// never overwrite this value.
func (m *Manager) SetData(key Key, data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensure(key, nil, Options{})
	e.data = data
	e.fetchedAt = m.now()
	e.status = StatusIdle
	e.err = nil
	e.attempts = 0
	e.terminal = false
	m.markDirty()
}

// Invalidate marks every entry under prefix stale. Entries with active
// subscribers refetch immediately; the rest refetch on next access.
// Invalidate is idempotent: repeated calls while a refetch is in flight do
// not issue further fetches.
func (m *Manager) Invalidate(prefix Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.RecordInvalidation()
	for _, e := range m.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		e.terminal = false
		e.attempts = 0
		if e.retryTimer != nil {
			e.retryTimer.Stop()
			e.retryTimer = nil
		}
		if e.inflight != nil && e.inflight.refresh {
			// A refetch is already underway; issuing another would make
			// repeated invalidations non-idempotent.
			continue
		}
		e.status = StatusStale
		if e.subscribers > 0 && e.fetcher != nil {
			// Supersedes any in-flight first fetch: its completion will carry
			// a stale sequence number and be dropped.
			m.startFetch(e, true)
		} else if e.inflight != nil {
			// No subscriber to refetch for: the pending result still lands so
			// waiters get data, but stale, so the next access revalidates.
			e.inflight.invalidated = true
		}
	}
	m.markDirty()
}

// Subscribe marks key as actively observed. Subscribed entries refetch
// immediately on invalidation and are exempt from GC.
func (m *Manager) Subscribe(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensure(key, nil, Options{})
	e.subscribers++
}

// Unsubscribe releases an observer registered with Subscribe.
func (m *Manager) Unsubscribe(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.ID()]
	if !ok {
		return
	}
	if e.subscribers > 0 {
		e.subscribers--
	}
	e.lastAccess = m.now()
}

// EvictExpired drops entries with no subscribers that have been untouched
// past their gcAfter window. Eviction is memory-only; the persisted snapshot
// is rewritten on the next flush.
func (m *Manager) EvictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	evicted := 0
	for id, e := range m.entries {
		if e.subscribers > 0 || e.inflight != nil || e.gcAfter <= 0 {
			continue
		}
		if now.Sub(e.lastAccess) > e.gcAfter {
			if e.retryTimer != nil {
				e.retryTimer.Stop()
			}
			delete(m.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.metrics.RecordEviction(evicted)
		m.metrics.SetCacheEntries(len(m.entries))
		m.markDirty()
	}
	return evicted
}

// Clear purges every entry. Completions of fetches still in flight find no
// entry and are dropped.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.retryTimer != nil {
			e.retryTimer.Stop()
		}
	}
	m.entries = make(map[string]*entry)
	m.metrics.SetCacheEntries(0)
	m.markDirty()
}

// Len reports the number of entries currently in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ensure returns the entry for key, creating it if needed. Caller holds mu.
// A non-nil fetcher and non-zero options always replace the stored ones, so
// the latest caller's configuration wins.
func (m *Manager) ensure(key Key, fetch Fetcher, opts Options) *entry {
	id := key.ID()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{
			key:        key,
			status:     StatusIdle,
			staleAfter: m.defaultStale,
			gcAfter:    m.defaultGC,
			lastAccess: m.now(),
		}
		m.entries[id] = e
		m.metrics.SetCacheEntries(len(m.entries))
	}
	if fetch != nil {
		e.fetcher = fetch
	}
	if opts.StaleAfter > 0 {
		e.staleAfter = opts.StaleAfter
	}
	if opts.GCAfter > 0 {
		e.gcAfter = opts.GCAfter
	}
	return e
}

// startFetch issues a fetch for e and returns the in-flight record callers
// can wait on. Caller holds mu.
func (m *Manager) startFetch(e *entry, refresh bool) *inflight {
	e.issueSeq++
	fl := &inflight{
		seq:     e.issueSeq,
		started: m.now(),
		refresh: refresh,
		done:    make(chan struct{}),
	}
	e.inflight = fl
	e.status = StatusFetching
	go m.runFetch(e.key, e.fetcher, fl)
	return fl
}

func (m *Manager) runFetch(key Key, fetch Fetcher, fl *inflight) {
	data, err := fetch(context.Background(), key)
	fl.data, fl.err = data, err
	m.complete(key, fl)
	close(fl.done)
}

// complete applies a finished fetch. Completions are dropped when the entry
// is gone (cache cleared), when a newer fetch was issued after this one, or
// when a direct SetData landed after this fetch started; last-fetch-wins is
// decided by issue order, not completion order.
func (m *Manager) complete(key Key, fl *inflight) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key.ID()]
	if !ok {
		return
	}
	if e.inflight != fl {
		// Superseded by a newer fetch, or the entry was recreated underneath
		// this one (clear + refill). Either way the result is stale.
		m.log.WithField("key", key.String()).Debug("dropping superseded fetch result")
		return
	}
	e.inflight = nil
	if fl.seq != e.issueSeq {
		// A newer fetch was issued after this one; last-fetch-wins is decided
		// by issue order, not completion order.
		m.log.WithField("key", key.String()).Debug("dropping superseded fetch result")
		return
	}

	if fl.err != nil {
		if fl.started.Before(e.fetchedAt) {
			// A direct write newer than this fetch already landed; its
			// failure is moot.
			m.log.WithField("key", key.String()).Debug("dropping failure older than direct write")
			return
		}
		m.metrics.RecordFetch("error")
		e.status = StatusError
		e.err = fl.err
		if errors.Is(fl.err, ErrUnauthorized) {
			e.terminal = true
			m.log.WithField("key", key.String()).Warn("fetch unauthorized; not retrying")
			return
		}
		e.attempts++
		if e.attempts >= m.retry.MaxAttempts {
			e.terminal = true
			m.log.WithError(fl.err).WithField("key", key.String()).Warn("retry budget exhausted")
			return
		}
		delay := m.retry.Delay(e.attempts)
		e.retryTimer = time.AfterFunc(delay, func() { m.refetch(key) })
		m.log.WithError(fl.err).WithFields(map[string]interface{}{
			"key":     key.String(),
			"attempt": e.attempts,
			"delay":   delay.String(),
		}).Debug("fetch failed; retry scheduled")
		return
	}

	if fl.started.Before(e.fetchedAt) {
		// A SetData newer than this fetch's start already landed.
		m.log.WithField("key", key.String()).Debug("dropping fetch older than direct write")
		return
	}

	m.metrics.RecordFetch("ok")
	e.data = fl.data
	e.fetchedAt = m.now()
	e.status = StatusIdle
	if fl.invalidated {
		// Invalidated while in flight; the payload may predate the change.
		e.status = StatusStale
	}
	e.err = nil
	e.attempts = 0
	e.terminal = false
	m.markDirty()
}

// refetch re-issues the fetch for key from the retry timer.
func (m *Manager) refetch(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.ID()]
	if !ok || e.inflight != nil || e.terminal || e.fetcher == nil {
		return
	}
	e.retryTimer = nil
	m.startFetch(e, true)
}

func (m *Manager) markDirty() {
	if m.onDirty != nil {
		m.onDirty()
	}
}
