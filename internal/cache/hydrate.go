package cache

import (
	"encoding/json"
	"time"
)

// SnapshotVersion guards against loading snapshots written by incompatible
// builds. Bump when SnapshotEntry changes shape.
const SnapshotVersion = 1

// Snapshot is the serializable state of the cache. Fetch status, errors and
// in-flight work are deliberately absent: hydrated entries start idle and are
// re-checked against staleAfter on first access.
type Snapshot struct {
	Version   int             `json:"version"`
	WrittenAt time.Time       `json:"writtenAt"`
	Entries   []SnapshotEntry `json:"entries"`
}

// SnapshotEntry is one persisted query result.
type SnapshotEntry struct {
	Key        []string        `json:"key"`
	Data       json.RawMessage `json:"data"`
	FetchedAt  time.Time       `json:"fetchedAt"`
	StaleAfter time.Duration   `json:"staleAfter"`
	GCAfter    time.Duration   `json:"gcAfter"`
}

// Dehydrate captures every entry that holds data. Entries still waiting on
// their first fetch have nothing worth persisting and are skipped.
func (m *Manager) Dehydrate() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{Version: SnapshotVersion, WrittenAt: m.now()}
	for _, e := range m.entries {
		if e.data == nil {
			continue
		}
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Key:        append([]string(nil), e.key...),
			Data:       append(json.RawMessage(nil), e.data...),
			FetchedAt:  e.fetchedAt,
			StaleAfter: e.staleAfter,
			GCAfter:    e.gcAfter,
		})
	}
	return snap
}

// Hydrate loads a snapshot into the cache. Entries already present in memory
// are left alone: live data always beats a cold-start snapshot. Snapshots
// from a different version are ignored.
func (m *Manager) Hydrate(snap Snapshot) {
	if snap.Version != SnapshotVersion {
		m.log.WithField("version", snap.Version).Warn("ignoring snapshot with unknown version")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, se := range snap.Entries {
		key := Key(se.Key)
		id := key.ID()
		if _, ok := m.entries[id]; ok {
			continue
		}
		e := &entry{
			key:        key,
			data:       append(json.RawMessage(nil), se.Data...),
			fetchedAt:  se.FetchedAt,
			staleAfter: se.StaleAfter,
			gcAfter:    se.GCAfter,
			status:     StatusIdle,
			lastAccess: m.now(),
		}
		if e.staleAfter == 0 {
			e.staleAfter = m.defaultStale
		}
		if e.gcAfter == 0 {
			e.gcAfter = m.defaultGC
		}
		m.entries[id] = e
	}
	m.metrics.SetCacheEntries(len(m.entries))
}
