package metadata

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/benji-backup/benji/storage"
)

// InMemoryStore is the database-less Store used by `restore --database-less`
// (spec.md §4.4): a single version's metadata backup (§4.7 step 1) is
// imported into it, then the restore pipeline runs against it exactly as it
// would against SQLStore. Locks, the dedup index, and GC are all
// no-ops/unsupported here — a database-less restore never writes new
// blocks and never contends with other processes.
//
// Grounded on internal/keyValStore/keyValStore.go's badger.DB wrapping
// (badger.DefaultOptions, db.Update/View, prefix iteration) in
// i5heu-ouroboros-db, the only badger consumer in the retrieved corpus.
// badger.DefaultOptions("").WithInMemory(true) keeps this store off disk,
// matching the "single version, short-lived restore" use case.
type InMemoryStore struct {
	db *badger.DB
}

// NewInMemoryStore opens an in-memory badger instance.
func NewInMemoryStore() (*InMemoryStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("metadata: open in-memory store: %w", err)
	}
	return &InMemoryStore{db: db}, nil
}

func (s *InMemoryStore) Close() error { return s.db.Close() }

func versionKey(uid string) []byte { return []byte("version/" + uid) }

func blockKey(versionUID string, idx int) []byte {
	k := make([]byte, 0, len(versionUID)+9)
	k = append(k, "block/"+versionUID+"/"...)
	var idxBytes [8]byte
	binary.BigEndian.PutUint64(idxBytes[:], uint64(idx))
	return append(k, idxBytes[:]...)
}

func blockPrefix(versionUID string) []byte { return []byte("block/" + versionUID + "/") }

func (s *InMemoryStore) CreateVersion(ctx context.Context, v *Version) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(versionKey(v.UID), data)
	})
}

func (s *InMemoryStore) GetVersion(ctx context.Context, uid string) (*Version, error) {
	var v Version
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey(uid))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &v) })
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *InMemoryStore) ListVersions(ctx context.Context, volume string) ([]*Version, error) {
	var out []*Version
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("version/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var v Version
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
				return err
			}
			if volume == "" || v.Volume == volume {
				out = append(out, &v)
			}
		}
		return nil
	})
	return out, err
}

func (s *InMemoryStore) UpdateVersionStatus(ctx context.Context, uid string, status Status) error {
	v, err := s.GetVersion(ctx, uid)
	if err != nil {
		return err
	}
	v.Status = status
	return s.CreateVersion(ctx, v)
}

func (s *InMemoryStore) SetVersionProtected(ctx context.Context, uid string, protected bool) error {
	v, err := s.GetVersion(ctx, uid)
	if err != nil {
		return err
	}
	v.Protected = protected
	return s.CreateVersion(ctx, v)
}

func (s *InMemoryStore) SetVersionLabel(ctx context.Context, uid, name, value string) error {
	v, err := s.GetVersion(ctx, uid)
	if err != nil {
		return err
	}
	if v.Labels == nil {
		v.Labels = map[string]string{}
	}
	v.Labels[name] = value
	return s.CreateVersion(ctx, v)
}

func (s *InMemoryStore) DeleteVersionLabel(ctx context.Context, uid, name string) error {
	v, err := s.GetVersion(ctx, uid)
	if err != nil {
		return err
	}
	delete(v.Labels, name)
	return s.CreateVersion(ctx, v)
}

func (s *InMemoryStore) UpdateVersionCounters(ctx context.Context, v *Version) error {
	return s.CreateVersion(ctx, v)
}

func (s *InMemoryStore) DeleteVersion(ctx context.Context, uid string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(versionKey(uid)); err != nil {
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := blockPrefix(uid)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *InMemoryStore) InsertBlocks(ctx context.Context, blocks []*Block) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, b := range blocks {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if err := wb.Set(blockKey(b.VersionUID, b.Idx), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *InMemoryStore) GetBlock(ctx context.Context, versionUID string, idx int) (*Block, error) {
	var b Block
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(versionUID, idx))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &b) })
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

type memoryBlockIterator struct {
	blocks []*Block
	i      int
}

func (it *memoryBlockIterator) Next(ctx context.Context) (*Block, bool, error) {
	if it.i >= len(it.blocks) {
		return nil, false, nil
	}
	b := it.blocks[it.i]
	it.i++
	return b, true, nil
}

func (it *memoryBlockIterator) Close() error { return nil }

// BlockIterator loads this Version's blocks from badger and streams them
// in idx order. A single version's block list for a 4MiB-block volume is
// small enough to hold in memory (that is the whole point of
// database-less restore); the iterator contract is kept only so the
// restore pipeline doesn't need to special-case this Store.
func (s *InMemoryStore) BlockIterator(ctx context.Context, versionUID string) (BlockIterator, error) {
	var blocks []*Block
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := blockPrefix(versionUID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var b Block
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &b) }); err != nil {
				return err
			}
			blocks = append(blocks, &b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Idx < blocks[j].Idx })
	return &memoryBlockIterator{blocks: blocks}, nil
}

func (s *InMemoryStore) MarkBlockUIDInvalid(ctx context.Context, uid storage.BlockUID) error {
	return fmt.Errorf("metadata: MarkBlockUIDInvalid unsupported on database-less store")
}

func (s *InMemoryStore) LookupChecksum(ctx context.Context, storageName string, checksum []byte) (storage.BlockUID, bool, error) {
	return storage.BlockUID{}, false, nil
}

func (s *InMemoryStore) NextBlockUID(ctx context.Context) (storage.BlockUID, error) {
	return storage.BlockUID{}, fmt.Errorf("metadata: NextBlockUID unsupported on database-less store")
}

func (s *InMemoryStore) EnqueueDeletionCandidate(ctx context.Context, uid storage.BlockUID) error {
	return nil
}

func (s *InMemoryStore) DeletionCandidatesOlderThan(ctx context.Context, cutoff time.Time) ([]DeletionCandidate, error) {
	return nil, nil
}

func (s *InMemoryStore) RemoveDeletionCandidate(ctx context.Context, uid storage.BlockUID) error {
	return nil
}

func (s *InMemoryStore) BlockUIDReferenced(ctx context.Context, uid storage.BlockUID) (bool, error) {
	return false, nil
}

func (s *InMemoryStore) AllReferencedBlockUIDs(ctx context.Context) (map[storage.BlockUID]bool, error) {
	return map[storage.BlockUID]bool{}, nil
}

func (s *InMemoryStore) EnsureStorage(ctx context.Context, name string) (int64, error) {
	return 0, nil
}

func (s *InMemoryStore) AcquireLock(ctx context.Context, scope, name, owner, reason string) error {
	return nil
}

func (s *InMemoryStore) ReleaseLock(ctx context.Context, scope, name string) error { return nil }

func (s *InMemoryStore) OverrideLock(ctx context.Context, scope, name string) error { return nil }

func (s *InMemoryStore) ListLocks(ctx context.Context, scope string) ([]Lock, error) { return nil, nil }

var _ Store = (*InMemoryStore)(nil)
var _ Store = (*SQLStore)(nil)
