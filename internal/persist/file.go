package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is a Store backed by a single JSON document on disk. Writes go
// through a temp file and rename, so a crash mid-write leaves the previous
// document intact.
type File struct {
	mu    sync.Mutex
	path  string
	items map[string]json.RawMessage
}

// NewFile opens (or creates) the store at path.
func NewFile(path string) (*File, error) {
	f := &File{path: path, items: make(map[string]json.RawMessage)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f.items); err != nil {
			// A corrupt store is discarded rather than refused; it is only a
			// cold-start hydration source.
			f.items = make(map[string]json.RawMessage)
		}
	}
	return f, nil
}

func (f *File) GetItem(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (f *File) SetItem(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = append(json.RawMessage(nil), value...)
	return f.write()
}

func (f *File) RemoveItem(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, key)
	return f.write()
}

func (f *File) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = make(map[string]json.RawMessage)
	return f.write()
}

func (f *File) Close() error { return nil }

// write flushes the document to disk. Caller holds mu.
func (f *File) write() error {
	data, err := json.Marshal(f.items)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp store: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename store: %w", err)
	}
	return nil
}
