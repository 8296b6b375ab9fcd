package storage

import (
	"math/rand"
	"os"
	"testing"
)

func newBitrotBackend(t *testing.T) Backend {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewBitrotProtectedFile(dir, BitrotOptions{NDataShards: 4, NParityShards: 2, HashRate: 64})
	if err != nil {
		t.Fatalf("NewBitrotProtectedFile: %v", err)
	}
	return backend
}

func TestBitrotProtectedFileWritesParitySidecar(t *testing.T) {
	backend := newBitrotBackend(t)
	ob := backend.(*objectBackend)
	brfs := ob.fs.(*bitrotFileStorage)

	uid := BlockUID{Left: 1, Right: 1}
	data := make([]byte, 4096)
	rand.Read(data)
	if err := backend.Put(uid, data, Sidecar{TransformedSize: int64(len(data))}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := brfs.local.LocalPath(dataName(uid))
	if _, err := os.Stat(path + rsSuffix); err != nil {
		t.Fatalf("expected parity sidecar at %s: %v", path+rsSuffix, err)
	}

	if err := VerifyFile(backend, dataName(uid), false); err != nil {
		t.Fatalf("VerifyFile on untouched data: %v", err)
	}
}

func TestBitrotProtectedFileDetectsAndRepairsCorruption(t *testing.T) {
	backend := newBitrotBackend(t)
	ob := backend.(*objectBackend)
	brfs := ob.fs.(*bitrotFileStorage)

	uid := BlockUID{Left: 2, Right: 2}
	data := make([]byte, 8192)
	rand.Read(data)
	if err := backend.Put(uid, data, Sidecar{TransformedSize: int64(len(data))}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := brfs.local.LocalPath(dataName(uid))
	corruptByte(t, path, 10)

	if err := VerifyFile(backend, dataName(uid), false); err == nil {
		t.Fatal("expected VerifyFile to detect the corrupted block")
	}

	if err := VerifyFile(backend, dataName(uid), true); err != nil {
		t.Fatalf("VerifyFile repair: %v", err)
	}
	if _, err := os.Stat(path + ".recovered"); err != nil {
		t.Fatalf("expected recovered file at %s: %v", path+".recovered", err)
	}
}

func TestBitrotProtectedFileDeleteRemovesSidecar(t *testing.T) {
	backend := newBitrotBackend(t)
	ob := backend.(*objectBackend)
	brfs := ob.fs.(*bitrotFileStorage)

	uid := BlockUID{Left: 3, Right: 3}
	if err := backend.Put(uid, []byte("data"), Sidecar{TransformedSize: 4}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := backend.Delete(uid); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	path := brfs.local.LocalPath(dataName(uid))
	if _, err := os.Stat(path + rsSuffix); !os.IsNotExist(err) {
		t.Fatalf("expected parity sidecar to be removed, stat err = %v", err)
	}
}

func corruptByte(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, offset); err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	buf[0] ^= 0xff
	if _, err := f.WriteAt(buf, offset); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
