package cache

import (
	"encoding/json"
	"time"
)

// Status describes the fetch state of a cache entry.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusFetching Status = "fetching"
	StatusStale    Status = "stale"
	StatusError    Status = "error"
)

// Result is the caller-facing view of a cache entry.
type Result struct {
	Data       json.RawMessage
	Status     Status
	FetchedAt  time.Time
	Err        error
	IsFetching bool
}

// entry is the internal cache record. All fields are guarded by the manager
// mutex; the inflight pointer is the only thing callers wait on outside it.
type entry struct {
	key        Key
	data       json.RawMessage
	fetchedAt  time.Time
	staleAfter time.Duration
	gcAfter    time.Duration
	status     Status
	err        error

	// issueSeq is bumped per issued fetch; a completion whose seq no longer
	// matches was superseded by a newer fetch and is dropped.
	issueSeq uint64

	inflight    *inflight
	fetcher     Fetcher
	attempts    int
	retryTimer  *time.Timer
	subscribers int
	lastAccess  time.Time
	terminal    bool
}

// inflight is a single shared fetch that concurrent getters attach to.
// refresh marks fetches issued to revalidate existing data (invalidation or
// stale-while-revalidate); a pending refresh makes further invalidations
// no-ops instead of issuing duplicate fetches.
type inflight struct {
	seq     uint64
	started time.Time
	refresh bool

	// invalidated is set when an invalidation arrives while this fetch is
	// pending and no subscriber exists to refetch for; the result is applied
	// stale instead of fresh.
	invalidated bool

	done chan struct{}
	data json.RawMessage
	err  error
}

func (e *entry) fresh(now time.Time) bool {
	if e.data == nil || e.status == StatusStale {
		return false
	}
	if e.staleAfter <= 0 {
		return true
	}
	return now.Sub(e.fetchedAt) < e.staleAfter
}

func (e *entry) result() Result {
	return Result{
		Data:       e.data,
		Status:     e.status,
		FetchedAt:  e.fetchedAt,
		Err:        e.err,
		IsFetching: e.inflight != nil,
	}
}
