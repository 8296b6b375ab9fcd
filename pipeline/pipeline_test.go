package pipeline

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/benji-backup/benji/dedup"
	"github.com/benji-backup/benji/ioadapter"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
	"github.com/benji-backup/benji/transform"
	u "github.com/benji-backup/benji/util"
)

const testBlockSize = int64(16)

func newEngine(t *testing.T) (*Engine, *metadata.SQLStore, storage.Backend) {
	t.Helper()
	store, err := metadata.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	backend := storage.NewMemory()
	backends := map[string]storage.Backend{"default": backend}
	chains := map[string]transform.Chain{"default": nil}

	history, err := dedup.NewHistory(1000)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	e := New(store, backends, chains, nil, dedup.New(store), history, u.NewLogger(false, false))
	return e, store, backend
}

func tempSourceFile(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp("", "benji-pipeline-src-")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

func tempDestFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "benji-pipeline-dst-")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })
	f.Close()
	return path
}

func countStored(t *testing.T, backend storage.Backend) int {
	t.Helper()
	it, err := backend.List()
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	n := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		n++
	}
	return n
}

// TestBackupDeduplicatesRepeatedBlocks covers S1: [A, A, B] must dedup the
// repeated block A, storing only two unique objects and counting one
// block's worth of bytes as deduplicated.
func TestBackupDeduplicatesRepeatedBlocks(t *testing.T) {
	e, _, backend := newEngine(t)
	ctx := context.Background()

	blockA := bytes.Repeat([]byte{0xAA}, int(testBlockSize))
	blockB := bytes.Repeat([]byte{0xBB}, int(testBlockSize))
	data := append(append(append([]byte{}, blockA...), blockA...), blockB...)
	src := tempSourceFile(t, data)

	v, err := e.Backup(ctx, BackupOptions{
		SourceURI: "file:" + src, VolumeName: "vol", StorageName: "default",
		BlockSize: testBlockSize,
	})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if v.Status != metadata.StatusValid {
		t.Fatalf("status = %s, want valid", v.Status)
	}
	if v.BytesDeduplicated != testBlockSize {
		t.Fatalf("BytesDeduplicated = %d, want %d", v.BytesDeduplicated, testBlockSize)
	}
	if n := countStored(t, backend); n != 2 {
		t.Fatalf("stored objects = %d, want 2", n)
	}
}

// TestBackupDeduplicatesAcrossFlushedBatches covers S1's invariant under
// serial processing: with Workers=1 and BlockBatchSize=1, block 0's Block
// row must be committed and visible to Dedup.Lookup long before the last
// index runs, so a duplicate several indices later is caught via the
// metadata store rather than missed because nothing is flushed until the
// whole backup finishes. Before runBlockWorkers flushed in batches, this
// duplicate would have built and stored a second physical copy of blockA,
// since InsertBlocks only ever ran once, after every worker (including this
// one) had already completed.
func TestBackupDeduplicatesAcrossFlushedBatches(t *testing.T) {
	e, _, backend := newEngine(t)
	e.Workers = 1
	e.BlockBatchSize = 1
	ctx := context.Background()

	blockA := bytes.Repeat([]byte{0xAA}, int(testBlockSize))
	blockB := bytes.Repeat([]byte{0xBB}, int(testBlockSize))
	blockC := bytes.Repeat([]byte{0xCC}, int(testBlockSize))
	data := append(append(append(append([]byte{}, blockA...), blockB...), blockC...), blockA...)
	src := tempSourceFile(t, data)

	v, err := e.Backup(ctx, BackupOptions{
		SourceURI: "file:" + src, VolumeName: "vol", StorageName: "default",
		BlockSize: testBlockSize,
	})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if v.BytesDeduplicated != testBlockSize {
		t.Fatalf("BytesDeduplicated = %d, want %d", v.BytesDeduplicated, testBlockSize)
	}
	if n := countStored(t, backend); n != 3 {
		t.Fatalf("stored objects = %d, want 3 (blockA built once, not twice)", n)
	}
}

// TestBackupAllZeroIsFullySparse covers S2: an all-zero source produces
// sparse blocks everywhere and writes nothing to storage.
func TestBackupAllZeroIsFullySparse(t *testing.T) {
	e, _, backend := newEngine(t)
	ctx := context.Background()

	data := make([]byte, 3*testBlockSize)
	src := tempSourceFile(t, data)

	v, err := e.Backup(ctx, BackupOptions{
		SourceURI: "file:" + src, VolumeName: "vol", StorageName: "default",
		BlockSize: testBlockSize,
	})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if v.BytesSparse != 3*testBlockSize {
		t.Fatalf("BytesSparse = %d, want %d", v.BytesSparse, 3*testBlockSize)
	}
	if n := countStored(t, backend); n != 0 {
		t.Fatalf("stored objects = %d, want 0", n)
	}
}

// TestDifferentialBackupInheritsUnchangedBlocks covers S3: backing up again
// from a base version with a hint covering only block 0 as changed must
// read just that block and inherit the rest unchanged.
func TestDifferentialBackupInheritsUnchangedBlocks(t *testing.T) {
	e, store, _ := newEngine(t)
	ctx := context.Background()

	blockA := bytes.Repeat([]byte{0x01}, int(testBlockSize))
	blockB := bytes.Repeat([]byte{0x02}, int(testBlockSize))
	blockC := bytes.Repeat([]byte{0x03}, int(testBlockSize))
	data := append(append(append([]byte{}, blockA...), blockB...), blockC...)
	src := tempSourceFile(t, data)

	v1, err := e.Backup(ctx, BackupOptions{
		SourceURI: "file:" + src, VolumeName: "vol", StorageName: "default",
		BlockSize: testBlockSize,
	})
	if err != nil {
		t.Fatalf("Backup v1: %v", err)
	}

	it, err := store.BlockIterator(ctx, v1.UID)
	if err != nil {
		t.Fatal(err)
	}
	v1Blocks := map[int]*metadata.Block{}
	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		v1Blocks[b.Idx] = b
	}
	it.Close()

	blockA2 := bytes.Repeat([]byte{0x99}, int(testBlockSize))
	data2 := append(append(append([]byte{}, blockA2...), blockB...), blockC...)
	src2 := tempSourceFile(t, data2)

	hints := ioadapter.NewSliceHints([]ioadapter.HintRegion{
		{Offset: 0, Length: testBlockSize, Used: true},
	})

	v2, err := e.Backup(ctx, BackupOptions{
		SourceURI: "file:" + src2, VolumeName: "vol", StorageName: "default",
		BlockSize: testBlockSize, BaseVersionUID: v1.UID, Hints: hints,
	})
	if err != nil {
		t.Fatalf("Backup v2: %v", err)
	}
	if v2.BytesRead > testBlockSize {
		t.Fatalf("BytesRead = %d, want <= %d", v2.BytesRead, testBlockSize)
	}

	it2, err := store.BlockIterator(ctx, v2.UID)
	if err != nil {
		t.Fatal(err)
	}
	defer it2.Close()
	for {
		b, ok, err := it2.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		switch b.Idx {
		case 0:
			if b.IsSparse() || v1Blocks[0].UID != nil && b.UID != nil && *b.UID == *v1Blocks[0].UID {
				t.Fatalf("block 0 should have been rewritten, not inherited")
			}
		case 1, 2:
			if b.IsSparse() != v1Blocks[b.Idx].IsSparse() {
				t.Fatalf("block %d sparseness changed across inherit", b.Idx)
			}
		}
	}
}

// TestRestoreRoundTrip covers the straightforward restore path: data
// written by Backup reads back byte-for-byte.
func TestRestoreRoundTrip(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x42}, int(3*testBlockSize))
	src := tempSourceFile(t, data)

	v, err := e.Backup(ctx, BackupOptions{
		SourceURI: "file:" + src, VolumeName: "vol", StorageName: "default",
		BlockSize: testBlockSize,
	})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	dst := tempDestFile(t)
	res, err := e.Restore(ctx, RestoreOptions{VersionUID: v.UID, DestinationURI: "file:" + dst, Force: true})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.ChecksumErrors != 0 {
		t.Fatalf("ChecksumErrors = %d, want 0", res.ChecksumErrors)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("restored data mismatch")
	}
}

// TestRestoreDetectsCorruption covers S4: a stored object tampered with
// after backup must fail its checksum on restore, be marked invalid, but
// still produce output (restore is best-effort).
func TestRestoreDetectsCorruption(t *testing.T) {
	e, store, backend := newEngine(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x7E}, int(testBlockSize))
	src := tempSourceFile(t, data)

	v, err := e.Backup(ctx, BackupOptions{
		SourceURI: "file:" + src, VolumeName: "vol", StorageName: "default",
		BlockSize: testBlockSize,
	})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	it, err := store.BlockIterator(ctx, v.UID)
	if err != nil {
		t.Fatal(err)
	}
	b, ok, err := it.Next(ctx)
	it.Close()
	if err != nil || !ok {
		t.Fatalf("expected one block, ok=%v err=%v", ok, err)
	}
	if b.IsSparse() {
		t.Fatalf("block unexpectedly sparse")
	}

	stored, sc, err := backend.Get(*b.UID)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := append([]byte{}, stored...)
	corrupted[0] ^= 0xFF
	if err := backend.Delete(*b.UID); err != nil {
		t.Fatal(err)
	}
	if err := backend.Put(*b.UID, corrupted, sc); err != nil {
		t.Fatal(err)
	}

	dst := tempDestFile(t)
	res, err := e.Restore(ctx, RestoreOptions{VersionUID: v.UID, DestinationURI: "file:" + dst, Force: true})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.ChecksumErrors != 1 {
		t.Fatalf("ChecksumErrors = %d, want 1", res.ChecksumErrors)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(got)) != testBlockSize {
		t.Fatalf("restore wrote %d bytes, want %d despite corruption", len(got), testBlockSize)
	}

	reloaded, err := store.GetBlock(ctx, v.UID, b.Idx)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Valid {
		t.Fatalf("block should have been marked invalid after checksum mismatch")
	}
}

// TestDatabaseLessRestore covers the version-metadata export/import path:
// a restore driven entirely from the PutNamed backup document, without
// the original metadata store.
func TestDatabaseLessRestore(t *testing.T) {
	e, _, backend := newEngine(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x13}, int(2*testBlockSize))
	src := tempSourceFile(t, data)

	v, err := e.Backup(ctx, BackupOptions{
		SourceURI: "file:" + src, VolumeName: "vol", StorageName: "default",
		BlockSize: testBlockSize,
	})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !backend.NamedExists(versionMetadataKey(v.UID)) {
		t.Fatalf("expected a version-metadata backup object to exist")
	}

	dst := tempDestFile(t)
	res, err := e.Restore(ctx, RestoreOptions{
		VersionUID: v.UID, DestinationURI: "file:" + dst, Force: true, DatabaseLess: true,
	})
	if err != nil {
		t.Fatalf("database-less Restore: %v", err)
	}
	if res.ChecksumErrors != 0 {
		t.Fatalf("ChecksumErrors = %d, want 0", res.ChecksumErrors)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("database-less restored data mismatch")
	}
}
