// storage/storage_test.go
// Adapted from storage/storage_test.go in the bk backup tool: the same
// table-driven sweep over every Backend implementation, rewritten for the
// BlockUID/Sidecar/Put/Get contract instead of content-hash chunk storage.

package storage

import (
	"bytes"
	"fmt"
	"os"
	"testing"
	"time"
)

func getBackends(t *testing.T) []Backend {
	var backends []Backend
	backends = append(backends, NewMemory())

	i := 0
	getDir := func() string {
		path := fmt.Sprintf("%s/benji_storage_test-%d-%d", os.TempDir(), os.Getpid(), i)
		i++
		if err := os.RemoveAll(path); err != nil {
			t.Fatalf("remove all: %v", err)
		}
		return path
	}

	fb, err := NewFile(getDir())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	backends = append(backends, fb)

	return backends
}

func uid(n int64) BlockUID { return BlockUID{Left: n, Right: n * 7} }

func TestPutGet(t *testing.T) {
	for _, b := range getBackends(t) {
		data := []byte{0, 1, 2, 3, 4, 5}
		sc := Sidecar{
			Created:         time.Now(),
			Modified:        time.Now(),
			OriginalSize:    int64(len(data)),
			TransformedSize: int64(len(data)),
		}
		u := uid(1)
		if err := b.Put(u, data, sc); err != nil {
			t.Fatalf("%s: put: %v", b, err)
		}

		got, gotSc, err := b.Get(u)
		if err != nil {
			t.Fatalf("%s: get: %v", b, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: got %v, want %v", b, got, data)
		}
		if gotSc.UID != u {
			t.Errorf("%s: sidecar uid mismatch: got %v, want %v", b, gotSc.UID, u)
		}
	}
}

func TestGetMissing(t *testing.T) {
	for _, b := range getBackends(t) {
		if _, _, err := b.Get(uid(999)); err == nil {
			t.Errorf("%s: expected error reading missing block", b)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	for _, b := range getBackends(t) {
		u := uid(2)
		if err := b.Delete(u); err != nil {
			t.Errorf("%s: delete of missing block: %v", b, err)
		}
		if err := b.Put(u, []byte("x"), Sidecar{OriginalSize: 1, TransformedSize: 1}); err != nil {
			t.Fatalf("%s: put: %v", b, err)
		}
		if err := b.Delete(u); err != nil {
			t.Errorf("%s: delete: %v", b, err)
		}
		if err := b.Delete(u); err != nil {
			t.Errorf("%s: second delete: %v", b, err)
		}
		if _, _, err := b.Get(u); err == nil {
			t.Errorf("%s: block still readable after delete", b)
		}
	}
}

func TestList(t *testing.T) {
	for _, b := range getBackends(t) {
		want := map[BlockUID]bool{}
		for i := int64(1); i <= 20; i++ {
			u := uid(i)
			want[u] = true
			if err := b.Put(u, []byte{byte(i)}, Sidecar{OriginalSize: 1, TransformedSize: 1}); err != nil {
				t.Fatalf("%s: put: %v", b, err)
			}
		}

		it, err := b.List()
		if err != nil {
			t.Fatalf("%s: list: %v", b, err)
		}
		defer it.Close()

		got := map[BlockUID]bool{}
		for {
			u, ok, err := it.Next()
			if err != nil {
				t.Fatalf("%s: next: %v", b, err)
			}
			if !ok {
				break
			}
			got[u] = true
		}
		if len(got) != len(want) {
			t.Errorf("%s: got %d blocks, want %d", b, len(got), len(want))
		}
		for u := range want {
			if !got[u] {
				t.Errorf("%s: missing %s from listing", b, u)
			}
		}
	}
}

func TestNamedObjects(t *testing.T) {
	for _, b := range getBackends(t) {
		if b.NamedExists("versions/v1.json") {
			t.Errorf("%s: unexpected named object", b)
		}
		if err := b.PutNamed("versions/v1.json", []byte(`{"hello":true}`)); err != nil {
			t.Fatalf("%s: put named: %v", b, err)
		}
		if !b.NamedExists("versions/v1.json") {
			t.Errorf("%s: named object not found after write", b)
		}
		got, err := b.GetNamed("versions/v1.json")
		if err != nil {
			t.Fatalf("%s: get named: %v", b, err)
		}
		if string(got) != `{"hello":true}` {
			t.Errorf("%s: unexpected named contents: %s", b, got)
		}

		if err := b.PutNamed("versions/v2.json", []byte(`{}`)); err != nil {
			t.Fatalf("%s: put named: %v", b, err)
		}
		names, err := b.ListNamed("versions/")
		if err != nil {
			t.Fatalf("%s: list named: %v", b, err)
		}
		if len(names) != 2 {
			t.Errorf("%s: got %d named objects, want 2", b, len(names))
		}
	}
}
