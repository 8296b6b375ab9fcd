// storage/cache.go
//
// A read-through cache in front of a Backend, keyed by BlockUID. Not
// present in the teacher; grounded on github.com/dgraph-io/ristretto, which
// enters the retrieved corpus as a dependency of i5heu-ouroboros-db's
// badger-based storage layer.

package storage

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

type cachedBackend struct {
	Backend
	cache *ristretto.Cache
}

type cacheEntry struct {
	data    []byte
	sidecar Sidecar
}

// NewCached wraps backend with a ristretto read cache holding up to
// maximumBytes worth of stored (still transformed) block data, per spec.md §6's storage-level
// "maximumSize" cache option.
func NewCached(backend Backend, maximumBytes int64) (Backend, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maximumBytes / 1024 * 10,
		MaxCost:     maximumBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: cache: %w", err)
	}
	return &cachedBackend{Backend: backend, cache: cache}, nil
}

func (c *cachedBackend) Get(uid BlockUID) ([]byte, Sidecar, error) {
	if v, ok := c.cache.Get(uid.String()); ok {
		e := v.(cacheEntry)
		return e.data, e.sidecar, nil
	}

	data, sc, err := c.Backend.Get(uid)
	if err != nil {
		return nil, Sidecar{}, err
	}
	c.cache.Set(uid.String(), cacheEntry{data: data, sidecar: sc}, int64(len(data)))
	return data, sc, nil
}

func (c *cachedBackend) Put(uid BlockUID, data []byte, sidecar Sidecar) error {
	if err := c.Backend.Put(uid, data, sidecar); err != nil {
		return err
	}
	c.cache.Set(uid.String(), cacheEntry{data: data, sidecar: sidecar}, int64(len(data)))
	return nil
}

func (c *cachedBackend) Delete(uid BlockUID) error {
	c.cache.Del(uid.String())
	return c.Backend.Delete(uid)
}
