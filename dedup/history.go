package dedup

import (
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/benji-backup/benji/storage"
)

// History is a bounded, process-local record of recently-used block_uids
// per storage, letting repeated dedup hits against the same block_uid
// (common across consecutive blocks of a mostly-unchanged source) skip the
// metadata store round trip.
//
// Grounded on original_source/src/benji/blockuidhistory.py's
// storage_id -> block_uid.left -> SparseBitfield(block_uid.right) shape;
// reimplemented as a bounded LRU (github.com/dgraph-io/ristretto, already
// used the same way for storage/cache.go's block cache) rather than an
// unbounded map, since a long-running NBD export or a very large backup
// would otherwise grow the history without limit.
type History struct {
	cache *ristretto.Cache
}

// NewHistory returns a History tracking up to maxEntries recently-seen
// block_uids.
func NewHistory(maxEntries int64) (*History, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("dedup: history: %w", err)
	}
	return &History{cache: cache}, nil
}

func historyKey(storageName string, uid storage.BlockUID) string {
	return storageName + "|" + uid.String()
}

// Add records that uid has been used on storageName.
func (h *History) Add(storageName string, uid storage.BlockUID) {
	h.cache.Set(historyKey(storageName, uid), struct{}{}, 1)
}

// Seen reports whether uid was previously recorded for storageName. A
// false negative (evicted entry) only costs a metadata store round trip,
// never correctness.
func (h *History) Seen(storageName string, uid storage.BlockUID) bool {
	_, ok := h.cache.Get(historyKey(storageName, uid))
	return ok
}

// Close releases the underlying cache's background goroutines.
func (h *History) Close() { h.cache.Close() }
