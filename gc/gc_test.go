package gc

import (
	"context"
	"testing"
	"time"

	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
)

func newTestStore(t *testing.T) *metadata.SQLStore {
	t.Helper()
	s, err := metadata.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCleanupRemovesUnreferencedBlocks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := storage.NewMemory()

	uid := storage.BlockUID{Left: 1, Right: 1}
	if err := backend.Put(uid, []byte("data"), storage.Sidecar{TransformedSize: 4}); err != nil {
		t.Fatal(err)
	}
	if err := store.EnqueueDeletionCandidate(ctx, uid); err != nil {
		t.Fatal(err)
	}

	c := New(store, map[string]storage.Backend{"default": backend}, nil)
	removed, err := c.Cleanup(ctx, -time.Hour, 4) // negative window: everything is "old enough"
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := backend.GetMetadata(uid); err == nil {
		t.Fatal("expected object to be deleted")
	}
}

func TestCleanupSkipsReferencedBlocks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := storage.NewMemory()

	uid := storage.BlockUID{Left: 2, Right: 2}
	if err := backend.Put(uid, []byte("data"), storage.Sidecar{TransformedSize: 4}); err != nil {
		t.Fatal(err)
	}
	v := &metadata.Version{UID: "V1", Date: time.Now(), Status: metadata.StatusValid, Storage: "default"}
	if err := store.CreateVersion(ctx, v); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertBlocks(ctx, []*metadata.Block{{VersionUID: "V1", Idx: 0, Size: 4, UID: &uid, Valid: true}}); err != nil {
		t.Fatal(err)
	}
	if err := store.EnqueueDeletionCandidate(ctx, uid); err != nil {
		t.Fatal(err)
	}

	c := New(store, map[string]storage.Backend{"default": backend}, nil)
	if _, err := c.Cleanup(ctx, -time.Hour, 4); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.GetMetadata(uid); err != nil {
		t.Fatal("referenced block should survive cleanup")
	}
}

func TestRemoveRefusesYoungVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := &metadata.Version{UID: "V1", Date: time.Now(), Status: metadata.StatusValid}
	if err := store.CreateVersion(ctx, v); err != nil {
		t.Fatal(err)
	}
	c := New(store, nil, nil)
	if err := c.Remove(ctx, "V1", 6*24*time.Hour, false); err == nil {
		t.Fatal("expected policy violation for a version younger than disallowRemoveWhenYounger")
	}
	if err := c.Remove(ctx, "V1", 6*24*time.Hour, true); err != nil {
		t.Fatalf("force remove should succeed: %v", err)
	}
}

func TestFullSweepRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := storage.NewMemory()

	orphan := storage.BlockUID{Left: 9, Right: 9}
	if err := backend.Put(orphan, []byte("x"), storage.Sidecar{TransformedSize: 1}); err != nil {
		t.Fatal(err)
	}
	c := New(store, map[string]storage.Backend{"default": backend}, nil)
	removed, err := c.FullSweep(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}
