// Package dedup implements the per-checksum lookup and at-most-one-builder
// guard described in spec.md §4.6 step 4: before writing a new block, look
// up its checksum in the metadata store's dedup index (scoped to the
// version's default storage); if found and the referenced block is valid,
// reuse its block_uid. Otherwise a per-checksum singleflight guard ensures
// only one goroutine in this process builds (transforms + stores) a given
// fingerprint at a time, per the spec's process-local "hash/dedup index"
// component.
package dedup

import (
	"context"
	"encoding/hex"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
)

// Index is the dedup lookup + at-most-one-builder guard for a single
// metadata.Store. Grounded on spec.md §4.6 step 4 and §5's "hash/dedup
// index is effectively the metadata store plus a per-process singleflight
// map keyed by checksum".
type Index struct {
	meta  metadata.Store
	group singleflight.Group
}

// New returns an Index backed by meta.
func New(meta metadata.Store) *Index {
	return &Index{meta: meta}
}

// Lookup returns the block_uid already on storageName for checksum, if the
// metadata store has one whose referencing block is still valid.
func (idx *Index) Lookup(ctx context.Context, storageName string, checksum []byte) (storage.BlockUID, bool, error) {
	return idx.meta.LookupChecksum(ctx, storageName, checksum)
}

// Build calls fn at most once per (storageName, checksum) pair concurrently
// within this process, returning the block_uid fn produces (or the one
// produced by whichever concurrent caller won the race). fn is expected to
// allocate a new block_uid, run the transform chain, and write the stored
// object; Build does not retry fn on error.
//
// Cross-process duplicate builds of the same checksum are tolerated, not
// prevented: equal checksum implies equal plaintext (assuming no hash
// collision), and writing the same stored object twice is idempotent.
func (idx *Index) Build(ctx context.Context, storageName string, checksum []byte, fn func() (storage.BlockUID, error)) (storage.BlockUID, error) {
	key := flightKey(storageName, checksum)
	v, err, _ := idx.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return storage.BlockUID{}, err
	}
	uid, ok := v.(storage.BlockUID)
	if !ok {
		return storage.BlockUID{}, fmt.Errorf("dedup: unexpected singleflight result type %T", v)
	}
	return uid, nil
}

func flightKey(storageName string, checksum []byte) string {
	return storageName + ":" + hex.EncodeToString(checksum)
}
