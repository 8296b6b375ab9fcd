package dedup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
)

func openTestStore(t *testing.T) metadata.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "benji.sqlite")
	s, err := metadata.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLookupMiss(t *testing.T) {
	idx := New(openTestStore(t))
	_, found, err := idx.Lookup(context.Background(), "default", []byte("nope"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found {
		t.Errorf("Lookup found a checksum that was never inserted")
	}
}

func TestBuildSingleFlight(t *testing.T) {
	idx := New(openTestStore(t))
	checksum := []byte("abc")

	var calls int32
	var wg sync.WaitGroup
	results := make(chan storage.BlockUID, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uid, err := idx.Build(context.Background(), "default", checksum, func() (storage.BlockUID, error) {
				atomic.AddInt32(&calls, 1)
				return storage.BlockUID{Left: 1, Right: 1}, nil
			})
			if err != nil {
				t.Errorf("Build: %v", err)
				return
			}
			results <- uid
		}()
	}
	wg.Wait()
	close(results)
	for uid := range results {
		if uid != (storage.BlockUID{Left: 1, Right: 1}) {
			t.Errorf("Build returned %v, want {1 1}", uid)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestBuildPropagatesError(t *testing.T) {
	idx := New(openTestStore(t))
	wantErr := errors.New("boom")
	_, err := idx.Build(context.Background(), "default", []byte("x"), func() (storage.BlockUID, error) {
		return storage.BlockUID{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Build err = %v, want %v", err, wantErr)
	}
}

func TestHistorySeen(t *testing.T) {
	h, err := NewHistory(1000)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	defer h.Close()

	uid := storage.BlockUID{Left: 1, Right: 2}
	if h.Seen("default", uid) {
		t.Errorf("Seen() = true before Add")
	}
	h.Add("default", uid)
	h.cache.Wait()
	if !h.Seen("default", uid) {
		t.Errorf("Seen() = false after Add")
	}
	if h.Seen("other-storage", uid) {
		t.Errorf("Seen() = true for a different storage name")
	}
}
