package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benji-backup/benji/storage"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "benji.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleVersion(uid string) *Version {
	return &Version{
		UID:       uid,
		Date:      time.Now().UTC().Truncate(time.Second),
		Volume:    "vol1",
		Size:      12 << 20,
		BlockSize: 4 << 20,
		Status:    StatusIncomplete,
		Storage:   "default",
		Labels:    map[string]string{"env": "test"},
	}
}

func TestCreateAndGetVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := sampleVersion("V0000000001")
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	got, err := s.GetVersion(ctx, v.UID)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if got.Volume != v.Volume || got.Size != v.Size || got.Labels["env"] != "test" {
		t.Errorf("GetVersion() = %+v, want match of %+v", got, v)
	}
}

func TestGetVersionMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetVersion(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("GetVersion() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateVersionStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := sampleVersion("V0000000001")
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := s.UpdateVersionStatus(ctx, v.UID, StatusValid); err != nil {
		t.Fatalf("UpdateVersionStatus: %v", err)
	}
	got, err := s.GetVersion(ctx, v.UID)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if got.Status != StatusValid {
		t.Errorf("Status = %v, want valid", got.Status)
	}
}

func TestLabels(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := sampleVersion("V0000000001")
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := s.SetVersionLabel(ctx, v.UID, "new", "value"); err != nil {
		t.Fatalf("SetVersionLabel: %v", err)
	}
	got, err := s.GetVersion(ctx, v.UID)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if got.Labels["new"] != "value" || got.Labels["env"] != "test" {
		t.Errorf("Labels = %+v", got.Labels)
	}
	if err := s.DeleteVersionLabel(ctx, v.UID, "new"); err != nil {
		t.Fatalf("DeleteVersionLabel: %v", err)
	}
	got, _ = s.GetVersion(ctx, v.UID)
	if _, ok := got.Labels["new"]; ok {
		t.Errorf("label 'new' should have been deleted")
	}
}

func TestInsertAndIterateBlocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := sampleVersion("V0000000001")
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	uid0 := storage.BlockUID{Left: 1, Right: 0}
	uid1 := storage.BlockUID{Left: 1, Right: 1}
	blocks := []*Block{
		{VersionUID: v.UID, Idx: 0, Size: 4 << 20, Checksum: []byte("aaaa"), UID: &uid0, Valid: true},
		{VersionUID: v.UID, Idx: 1, Size: 4 << 20, Checksum: []byte("aaaa"), UID: &uid0, Valid: true},
		{VersionUID: v.UID, Idx: 2, Size: 4 << 20, Checksum: []byte("bbbb"), UID: &uid1, Valid: true},
	}
	if err := s.InsertBlocks(ctx, blocks); err != nil {
		t.Fatalf("InsertBlocks: %v", err)
	}

	it, err := s.BlockIterator(ctx, v.UID)
	if err != nil {
		t.Fatalf("BlockIterator: %v", err)
	}
	defer it.Close()
	var got []*Block
	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, b)
	}
	if len(got) != 3 {
		t.Fatalf("got %d blocks, want 3", len(got))
	}
	for i, b := range got {
		if b.Idx != i {
			t.Errorf("block[%d].Idx = %d", i, b.Idx)
		}
	}
}

func TestDedupLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := sampleVersion("V0000000001")
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	uid := storage.BlockUID{Left: 1, Right: 0}
	if err := s.InsertBlocks(ctx, []*Block{
		{VersionUID: v.UID, Idx: 0, Size: 4 << 20, Checksum: []byte("aaaa"), UID: &uid, Valid: true},
	}); err != nil {
		t.Fatalf("InsertBlocks: %v", err)
	}
	got, found, err := s.LookupChecksum(ctx, "default", []byte("aaaa"))
	if err != nil {
		t.Fatalf("LookupChecksum: %v", err)
	}
	if !found || got != uid {
		t.Errorf("LookupChecksum() = %v, %v, want %v, true", got, found, uid)
	}
	if _, found, _ := s.LookupChecksum(ctx, "default", []byte("zzzz")); found {
		t.Errorf("expected no match for unknown checksum")
	}
}

func TestNextBlockUIDMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := map[storage.BlockUID]bool{}
	var prev storage.BlockUID
	for i := 0; i < 5; i++ {
		uid, err := s.NextBlockUID(ctx)
		if err != nil {
			t.Fatalf("NextBlockUID: %v", err)
		}
		if seen[uid] {
			t.Fatalf("NextBlockUID returned duplicate %v", uid)
		}
		if i > 0 && (uid.Left < prev.Left || uid.Left == prev.Left && uid.Right <= prev.Right) {
			t.Fatalf("NextBlockUID returned %v after %v, want increasing", uid, prev)
		}
		seen[uid] = true
		prev = uid
	}
}

func TestDeletionCandidateLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	uid := storage.BlockUID{Left: 1, Right: 2}
	if err := s.EnqueueDeletionCandidate(ctx, uid); err != nil {
		t.Fatalf("EnqueueDeletionCandidate: %v", err)
	}
	cands, err := s.DeletionCandidatesOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeletionCandidatesOlderThan: %v", err)
	}
	if len(cands) != 1 || cands[0].UID != uid {
		t.Fatalf("DeletionCandidatesOlderThan() = %+v", cands)
	}
	if err := s.RemoveDeletionCandidate(ctx, uid); err != nil {
		t.Fatalf("RemoveDeletionCandidate: %v", err)
	}
	cands, _ = s.DeletionCandidatesOlderThan(ctx, time.Now().Add(time.Hour))
	if len(cands) != 0 {
		t.Errorf("expected candidate removed, got %+v", cands)
	}
}

func TestDeleteVersionEnqueuesCandidates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := sampleVersion("V0000000001")
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	uid := storage.BlockUID{Left: 1, Right: 0}
	if err := s.InsertBlocks(ctx, []*Block{
		{VersionUID: v.UID, Idx: 0, Size: 4 << 20, Checksum: []byte("aaaa"), UID: &uid, Valid: true},
	}); err != nil {
		t.Fatalf("InsertBlocks: %v", err)
	}
	if err := s.DeleteVersion(ctx, v.UID); err != nil {
		t.Fatalf("DeleteVersion: %v", err)
	}
	if _, err := s.GetVersion(ctx, v.UID); err != ErrNotFound {
		t.Errorf("expected version removed, got err=%v", err)
	}
	cands, err := s.DeletionCandidatesOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeletionCandidatesOlderThan: %v", err)
	}
	if len(cands) != 1 || cands[0].UID != uid {
		t.Errorf("DeletionCandidatesOlderThan() = %+v, want [%v]", cands, uid)
	}
}

func TestMarkBlockUIDInvalidPropagatesToVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := sampleVersion("V0000000001")
	v.Status = StatusValid
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	uid := storage.BlockUID{Left: 1, Right: 0}
	if err := s.InsertBlocks(ctx, []*Block{
		{VersionUID: v.UID, Idx: 0, Size: 4 << 20, Checksum: []byte("aaaa"), UID: &uid, Valid: true},
	}); err != nil {
		t.Fatalf("InsertBlocks: %v", err)
	}
	if err := s.MarkBlockUIDInvalid(ctx, uid); err != nil {
		t.Fatalf("MarkBlockUIDInvalid: %v", err)
	}
	got, err := s.GetVersion(ctx, v.UID)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if got.Status != StatusInvalid {
		t.Errorf("Status = %v, want invalid", got.Status)
	}
	blk, err := s.GetBlock(ctx, v.UID, 0)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if blk.Valid {
		t.Errorf("block should be marked invalid")
	}
}

func TestLockAcquireConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.AcquireLock(ctx, "global", "x", "pid1", "backup"); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := s.AcquireLock(ctx, "global", "x", "pid2", "backup"); err != ErrLockConflict {
		t.Errorf("AcquireLock() error = %v, want ErrLockConflict", err)
	}
	if err := s.ReleaseLock(ctx, "global", "x"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if err := s.AcquireLock(ctx, "global", "x", "pid2", "backup"); err != nil {
		t.Errorf("AcquireLock after release: %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()
	v := sampleVersion("V0000000001")
	v.Status = StatusValid
	if err := src.CreateVersion(ctx, v); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	uid := storage.BlockUID{Left: 1, Right: 0}
	if err := src.InsertBlocks(ctx, []*Block{
		{VersionUID: v.UID, Idx: 0, Size: 4 << 20, Checksum: []byte("aaaa"), UID: &uid, Valid: true},
		{VersionUID: v.UID, Idx: 1, Size: 0, Valid: true},
	}); err != nil {
		t.Fatalf("InsertBlocks: %v", err)
	}

	doc, err := ExportVersion(ctx, src, v.UID)
	if err != nil {
		t.Fatalf("ExportVersion: %v", err)
	}
	data, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	doc2, err := UnmarshalDocument(data)
	if err != nil {
		t.Fatalf("UnmarshalDocument: %v", err)
	}

	dst, err := NewInMemoryStore()
	if err != nil {
		t.Fatalf("NewInMemoryStore: %v", err)
	}
	defer dst.Close()
	if err := ImportDocument(ctx, dst, doc2); err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}

	got, err := dst.GetVersion(ctx, v.UID)
	if err != nil {
		t.Fatalf("GetVersion (in-memory): %v", err)
	}
	if got.Size != v.Size || got.Status != v.Status {
		t.Errorf("GetVersion() = %+v", got)
	}
	it, err := dst.BlockIterator(ctx, v.UID)
	if err != nil {
		t.Fatalf("BlockIterator: %v", err)
	}
	defer it.Close()
	var count int
	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
		if b.Idx == 0 && (b.UID == nil || *b.UID != uid) {
			t.Errorf("block 0 UID = %v, want %v", b.UID, uid)
		}
		if b.Idx == 1 && !b.IsSparse() {
			t.Errorf("block 1 should be sparse")
		}
	}
	if count != 2 {
		t.Errorf("got %d blocks, want 2", count)
	}
}
