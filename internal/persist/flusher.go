package persist

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pulsefit/sync_layer/internal/cache"
	"github.com/pulsefit/sync_layer/internal/metrics"
	"github.com/pulsefit/sync_layer/pkg/logger"
)

// SnapshotKey is the store key holding the serialized cache snapshot.
const SnapshotKey = "querycache/snapshot"

// Dehydrator is the slice of the cache manager the flusher needs.
type Dehydrator interface {
	Dehydrate() cache.Snapshot
}

// Flusher writes cache snapshots to the store on a coalesced, rate-limited
// schedule. Any number of MarkDirty calls between flushes collapse into one
// write, so persisted state lags memory by at most the flush interval.
type Flusher struct {
	cache   Dehydrator
	store   Store
	limiter *rate.Limiter
	log     *logger.Logger
	metrics *metrics.Metrics

	dirty  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
}

// NewFlusher builds a flusher writing at most one snapshot per interval.
func NewFlusher(c Dehydrator, store Store, interval time.Duration, log *logger.Logger, m *metrics.Metrics) *Flusher {
	if log == nil {
		log = logger.NewDefault("flusher")
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Flusher{
		cache:   c,
		store:   store,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     log,
		metrics: m,
		dirty:   make(chan struct{}, 1),
	}
}

// MarkDirty schedules a flush. Safe to call from any goroutine and never
// blocks, including from inside cache mutation paths.
func (f *Flusher) MarkDirty() {
	select {
	case f.dirty <- struct{}{}:
	default:
	}
}

// Start launches the flush loop.
func (f *Flusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	f.started = true
	go f.run(ctx)
}

// Stop halts the loop after writing any pending state.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	cancel()
	<-done
}

func (f *Flusher) run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			// Final flush if anything is still pending.
			select {
			case <-f.dirty:
				f.flush(context.Background())
			default:
			}
			return
		case <-f.dirty:
			if err := f.limiter.Wait(ctx); err != nil {
				f.flush(context.Background())
				return
			}
			// Collapse marks that arrived while waiting.
			select {
			case <-f.dirty:
			default:
			}
			f.flush(ctx)
		}
	}
}

// Flush writes a snapshot immediately, bypassing the throttle.
func (f *Flusher) Flush(ctx context.Context) error {
	return f.flush(ctx)
}

func (f *Flusher) flush(ctx context.Context) error {
	snap := f.cache.Dehydrate()
	data, err := json.Marshal(snap)
	if err == nil {
		err = f.store.SetItem(ctx, SnapshotKey, data)
	}
	f.metrics.RecordFlush(err)
	if err != nil {
		// Best-effort by contract: log and move on.
		f.log.WithError(err).Warn("snapshot flush failed")
	}
	return err
}

// LoadSnapshot reads the persisted snapshot, if any. Errors are reported but
// callers should treat an empty snapshot the same as a missing one.
func LoadSnapshot(ctx context.Context, store Store) (cache.Snapshot, error) {
	var snap cache.Snapshot
	data, err := store.GetItem(ctx, SnapshotKey)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return cache.Snapshot{}, err
	}
	return snap, nil
}
