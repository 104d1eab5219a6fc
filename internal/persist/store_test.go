package persist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// storeFactories covers every backend testable without external services.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			s, err := NewFile(filepath.Join(t.TempDir(), "store.json"))
			if err != nil {
				t.Fatalf("NewFile() error: %v", err)
			}
			return s
		},
	}
}

func TestStoreBasicOperations(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			if _, err := s.GetItem(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetItem(missing) error = %v, want ErrNotFound", err)
			}

			if err := s.SetItem(ctx, "a", []byte(`{"v":1}`)); err != nil {
				t.Fatalf("SetItem() error: %v", err)
			}
			v, err := s.GetItem(ctx, "a")
			if err != nil {
				t.Fatalf("GetItem() error: %v", err)
			}
			if string(v) != `{"v":1}` {
				t.Fatalf("GetItem() = %s", v)
			}

			if err := s.RemoveItem(ctx, "a"); err != nil {
				t.Fatalf("RemoveItem() error: %v", err)
			}
			if _, err := s.GetItem(ctx, "a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetItem after remove error = %v, want ErrNotFound", err)
			}

			s.SetItem(ctx, "x", []byte(`1`))
			s.SetItem(ctx, "y", []byte(`2`))
			if err := s.Clear(ctx); err != nil {
				t.Fatalf("Clear() error: %v", err)
			}
			if _, err := s.GetItem(ctx, "x"); !errors.Is(err, ErrNotFound) {
				t.Fatal("Clear left items behind")
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	s1, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() error: %v", err)
	}
	if err := s1.SetItem(ctx, "snapshot", []byte(`{"entries":[]}`)); err != nil {
		t.Fatalf("SetItem() error: %v", err)
	}
	s1.Close()

	s2, err := NewFile(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	v, err := s2.GetItem(ctx, "snapshot")
	if err != nil {
		t.Fatalf("GetItem() after reopen error: %v", err)
	}
	if string(v) != `{"entries":[]}` {
		t.Fatalf("GetItem() after reopen = %s", v)
	}
}

func TestFileStoreDiscardsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := writeRaw(path, []byte("not-json{")); err != nil {
		t.Fatal(err)
	}

	s, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() with corrupt doc error: %v", err)
	}
	if _, err := s.GetItem(context.Background(), "anything"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("corrupt store not treated as empty: %v", err)
	}
}
