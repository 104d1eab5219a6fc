// Package persist provides the durable key-value store behind the query
// cache, plus the throttled flusher that keeps it in sync. The store is a
// best-effort cold-start optimization: every backend error is survivable and
// must never block in-memory cache operation.
package persist

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetItem for absent keys.
var ErrNotFound = errors.New("persist: item not found")

// Store is a durable string-keyed byte store.
type Store interface {
	GetItem(ctx context.Context, key string) ([]byte, error)
	SetItem(ctx context.Context, key string, value []byte) error
	RemoveItem(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}
