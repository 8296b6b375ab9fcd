// storage/backend.go
//
// objectBackend implements the public Backend interface in terms of any
// FileStorage, the same layering storage.PackFileBackend used in the bk
// tool — generalized from "many small chunks packed into shared pack
// files" to "one data object + one sidecar object per block", since blocks
// here are already whole fixed-size pieces of a volume.

package storage

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	blocksPrefix   = "blocks/"
	namedPrefix    = "named/"
	dataSuffix     = ".data"
	sidecarSuffix  = ".meta"
)

type objectBackend struct {
	fs FileStorage
}

// NewObjectBackend returns a Backend that stores each block's data and
// sidecar as two files under fs, named by BlockUID.
func NewObjectBackend(fs FileStorage) Backend {
	return &objectBackend{fs: fs}
}

func (b *objectBackend) String() string { return b.fs.String() }

func dataName(uid BlockUID) string    { return blocksPrefix + uid.String() + dataSuffix }
func sidecarName(uid BlockUID) string { return blocksPrefix + uid.String() + sidecarSuffix }

func (b *objectBackend) Put(uid BlockUID, data []byte, sidecar Sidecar) error {
	sidecar.UID = uid
	sc, err := json.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("storage: marshal sidecar for %s: %w", uid, err)
	}

	if err := robust(func() {
		w := b.fs.CreateFile(dataName(uid))
		w.Write(data)
		w.Close()
	}); err != nil {
		return fmt.Errorf("storage: put data %s: %w", uid, err)
	}

	if err := robust(func() {
		w := b.fs.CreateFile(sidecarName(uid))
		w.Write(sc)
		w.Close()
	}); err != nil {
		return fmt.Errorf("storage: put sidecar %s: %w", uid, err)
	}
	return nil
}

func (b *objectBackend) Get(uid BlockUID) ([]byte, Sidecar, error) {
	sc, err := b.GetMetadata(uid)
	if err != nil {
		return nil, Sidecar{}, err
	}

	data, err := b.fs.ReadFile(dataName(uid), 0, 0)
	if err != nil {
		return nil, Sidecar{}, fmt.Errorf("storage: get data %s: %w", uid, err)
	}
	if int64(len(data)) != sc.TransformedSize {
		return nil, Sidecar{}, fmt.Errorf("%w: %s: stored size %d != sidecar size %d",
			ErrStorageIntegrity, uid, len(data), sc.TransformedSize)
	}
	return data, sc, nil
}

func (b *objectBackend) GetMetadata(uid BlockUID) (Sidecar, error) {
	raw, err := b.fs.ReadFile(sidecarName(uid), 0, 0)
	if err != nil {
		return Sidecar{}, fmt.Errorf("storage: get sidecar %s: %w", uid, err)
	}
	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return Sidecar{}, fmt.Errorf("%w: %s: malformed sidecar: %v", ErrStorageIntegrity, uid, err)
	}
	return sc, nil
}

func (b *objectBackend) Delete(uid BlockUID) error {
	if err := b.fs.DeleteFile(dataName(uid)); err != nil {
		return fmt.Errorf("storage: delete data %s: %w", uid, err)
	}
	if err := b.fs.DeleteFile(sidecarName(uid)); err != nil {
		return fmt.Errorf("storage: delete sidecar %s: %w", uid, err)
	}
	return nil
}

func (b *objectBackend) List() (Iterator, error) {
	var uids []BlockUID
	seen := make(map[BlockUID]bool)
	err := b.fs.ForFiles(blocksPrefix, func(name string, _ time.Time) {
		base := path.Base(name)
		base = strings.TrimSuffix(strings.TrimSuffix(base, dataSuffix), sidecarSuffix)
		uid, err := parseBlockUID(base)
		if err != nil || seen[uid] {
			return
		}
		seen[uid] = true
		uids = append(uids, uid)
	})
	if err != nil {
		return nil, err
	}
	return &sliceIterator{uids: uids}, nil
}

func parseBlockUID(s string) (BlockUID, error) {
	var left, right uint64
	if _, err := fmt.Sscanf(s, "%016x-%016x", &left, &right); err != nil {
		return BlockUID{}, err
	}
	return BlockUID{Left: int64(left), Right: int64(right)}, nil
}

type sliceIterator struct {
	uids []BlockUID
	i    int
}

func (it *sliceIterator) Next() (BlockUID, bool, error) {
	if it.i >= len(it.uids) {
		return BlockUID{}, false, nil
	}
	u := it.uids[it.i]
	it.i++
	return u, true, nil
}

func (it *sliceIterator) Close() error { return nil }

func (b *objectBackend) PutNamed(name string, data []byte) error {
	return robust(func() {
		w := b.fs.CreateFile(namedPrefix + name)
		w.Write(data)
		w.Close()
	})
}

func (b *objectBackend) GetNamed(name string) ([]byte, error) {
	return b.fs.ReadFile(namedPrefix+name, 0, 0)
}

func (b *objectBackend) NamedExists(name string) bool {
	_, err := b.fs.ReadFile(namedPrefix+name, 0, 0)
	return err == nil
}

func (b *objectBackend) ListNamed(prefix string) ([]string, error) {
	var names []string
	err := b.fs.ForFiles(namedPrefix+prefix, func(name string, _ time.Time) {
		names = append(names, strings.TrimPrefix(name, namedPrefix))
	})
	return names, err
}
