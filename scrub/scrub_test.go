package scrub

import (
	"context"
	"testing"

	"github.com/benji-backup/benji/hash"
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

func seedVersion(t *testing.T, store *metadata.SQLStore, backend storage.Backend, uid storage.BlockUID, data []byte) *metadata.Version {
	t.Helper()
	ctx := context.Background()
	digest := hash.Default.Sum(data)
	if err := backend.Put(uid, data, storage.Sidecar{TransformedSize: int64(len(data))}); err != nil {
		t.Fatal(err)
	}
	v := &metadata.Version{
		UID: "V1", Volume: "vol", BlockSize: int64(len(data)),
		Size: int64(len(data)), Status: metadata.StatusValid, Storage: "default",
	}
	if err := store.CreateVersion(ctx, v); err != nil {
		t.Fatal(err)
	}
	uidCopy := uid
	b := &metadata.Block{VersionUID: "V1", Idx: 0, Size: int64(len(data)), Checksum: digest.Bytes(), UID: &uidCopy, Valid: true}
	if err := store.InsertBlocks(ctx, []*metadata.Block{b}); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestLightScrubHealthy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := storage.NewMemory()
	uid := storage.BlockUID{Left: 1, Right: 1}
	seedVersion(t, store, backend, uid, []byte("hello world"))

	s := New(store, map[string]storage.Backend{"default": backend}, nil, nil, nil)
	res, err := s.Light(ctx, "V1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK() || res.BlocksChecked != 1 {
		t.Fatalf("res = %+v", res)
	}
}

func TestLightScrubDetectsMissingObject(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := storage.NewMemory()
	uid := storage.BlockUID{Left: 2, Right: 2}
	seedVersion(t, store, backend, uid, []byte("hello world"))
	if err := backend.Delete(uid); err != nil {
		t.Fatal(err)
	}

	s := New(store, map[string]storage.Backend{"default": backend}, nil, nil, nil)
	res, err := s.Light(ctx, "V1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() {
		t.Fatal("expected missing object to be flagged invalid")
	}
	v, err := store.GetVersion(ctx, "V1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != metadata.StatusInvalid {
		t.Fatalf("status = %s, want invalid", v.Status)
	}
}

func TestDeepScrubDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := storage.NewMemory()
	uid := storage.BlockUID{Left: 3, Right: 3}
	seedVersion(t, store, backend, uid, []byte("hello world"))
	if err := backend.Delete(uid); err != nil {
		t.Fatal(err)
	}
	if err := backend.Put(uid, []byte("corrupted!!"), storage.Sidecar{TransformedSize: 11}); err != nil {
		t.Fatal(err)
	}

	s := New(store, map[string]storage.Backend{"default": backend}, nil, hash.Default, nil)
	res, err := s.Deep(ctx, "V1", 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() {
		t.Fatal("expected corrupted data to be flagged invalid")
	}
}

func TestDeepScrubRestoresValidAfterFullPass(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := storage.NewMemory()
	uid := storage.BlockUID{Left: 4, Right: 4}
	v := seedVersion(t, store, backend, uid, []byte("hello world"))
	if err := store.UpdateVersionStatus(ctx, v.UID, metadata.StatusInvalid); err != nil {
		t.Fatal(err)
	}

	s := New(store, map[string]storage.Backend{"default": backend}, nil, hash.Default, nil)
	res, err := s.Deep(ctx, "V1", 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK() {
		t.Fatalf("res = %+v", res)
	}
	got, err := store.GetVersion(ctx, "V1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != metadata.StatusValid {
		t.Fatalf("status = %s, want valid after full deep scrub", got.Status)
	}
}

func TestSamplePercentageBounds(t *testing.T) {
	if !sample(100) {
		t.Fatal("100% must always check")
	}
	if sample(0) {
		t.Fatal("0% must never check")
	}
}
