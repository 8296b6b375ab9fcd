package nbd

import (
	"context"
	"fmt"
	"time"

	"github.com/benji-backup/benji/benjierr"
	"github.com/benji-backup/benji/hash"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
)

// Fixate implements spec.md §4.13's write path: drain pending writes,
// snapshot the COW store, then build a new Version deterministically —
// every dirtied index runs the standard backup pipeline (hash, dedup,
// transform, storage-put); every untouched index inherits the original
// Block row unchanged, with no new object written. The result is created
// protected, with a synthetic snapshot name `nbd-cow-<orig_uid>-<ISO8601>`.
//
// Fixate returns (nil, nil) if the session never wrote anything.
func (e *Export) Fixate(ctx context.Context) (*metadata.Version, error) {
	if e.ReadOnly || e.cow == nil {
		return nil, benjierr.New(benjierr.PolicyViolation, "nbd", fmt.Errorf("export is not read-write"))
	}
	dirty := e.cow.DirtyIndices()
	if len(dirty) == 0 {
		return nil, nil
	}
	dirtySet := make(map[int]bool, len(dirty))
	for _, idx := range dirty {
		dirtySet[idx] = true
	}

	now := time.Now()
	cow := &metadata.Version{
		UID:       fmt.Sprintf("nbd-cow-%s-%d", e.Version.UID, now.UnixNano()),
		Date:      now,
		Volume:    e.Version.Volume,
		Snapshot:  fmt.Sprintf("nbd-cow-%s-%s", e.Version.UID, now.UTC().Format("20060102T150405Z")),
		Size:      e.Version.Size,
		BlockSize: e.Version.BlockSize,
		Status:    metadata.StatusIncomplete,
		Protected: true,
		Storage:   e.Version.Storage,
	}
	if err := e.Meta.CreateVersion(ctx, cow); err != nil {
		return nil, err
	}

	it, err := e.Meta.BlockIterator(ctx, e.Version.UID)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	n := e.blockCount()
	blocks := make([]*metadata.Block, n)
	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if b.Idx < 0 || b.Idx >= n || dirtySet[b.Idx] {
			continue
		}
		inherited := *b
		inherited.VersionUID = cow.UID
		blocks[b.Idx] = &inherited
	}

	for _, idx := range dirty {
		data, ok, err := e.cow.Get(idx)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		block, err := e.fixateBlock(ctx, cow, idx, data)
		if err != nil {
			return nil, err
		}
		blocks[idx] = block
	}

	toInsert := make([]*metadata.Block, 0, n)
	for _, b := range blocks {
		if b != nil {
			toInsert = append(toInsert, b)
		}
	}
	if err := e.Meta.InsertBlocks(ctx, toInsert); err != nil {
		return nil, err
	}
	if err := e.Meta.UpdateVersionStatus(ctx, cow.UID, metadata.StatusValid); err != nil {
		return nil, err
	}
	cow.Status = metadata.StatusValid

	if err := e.cow.removeAll(); err != nil {
		e.Log.Error("nbd: fixate: discard cow store for %s: %v", e.Version.UID, err)
	}
	return cow, nil
}

// fixateBlock runs the dedup/transform/storage-put pipeline for one
// dirtied block, the same shape as pipeline.processIndex's read branch
// but starting from already-in-hand plaintext instead of a source read.
func (e *Export) fixateBlock(ctx context.Context, v *metadata.Version, idx int, data []byte) (*metadata.Block, error) {
	size := int64(len(data))
	if hash.IsAllZero(data) {
		return &metadata.Block{VersionUID: v.UID, Idx: idx, Size: size, Valid: true}, nil
	}

	digest := e.HashFn.Sum(data)
	checksum := digest.Bytes()

	if uid, ok, err := e.Dedup.Lookup(ctx, v.Storage, checksum); err != nil {
		return nil, err
	} else if ok {
		return &metadata.Block{VersionUID: v.UID, Idx: idx, Size: size, Checksum: checksum, UID: &uid, Valid: true}, nil
	}

	uid, err := e.Dedup.Build(ctx, v.Storage, checksum, func() (storage.BlockUID, error) {
		transformed, headers, err := e.Chain.Forward(data)
		if err != nil {
			return storage.BlockUID{}, benjierr.New(benjierr.TransformError, "nbd", err)
		}
		newUID, err := e.Meta.NextBlockUID(ctx)
		if err != nil {
			return storage.BlockUID{}, err
		}
		sc := storage.Sidecar{
			UID: newUID, Created: time.Now(), Modified: time.Now(),
			Transforms: e.Chain.Names(), OriginalSize: size,
			TransformedSize: int64(len(transformed)), TransformHeaders: encodeHeaders(headers),
		}
		if err := e.Backend.Put(newUID, transformed, sc); err != nil {
			return storage.BlockUID{}, benjierr.New(benjierr.StorageError, "nbd", err)
		}
		return newUID, nil
	})
	if err != nil {
		return nil, err
	}
	return &metadata.Block{VersionUID: v.UID, Idx: idx, Size: size, Checksum: checksum, UID: &uid, Valid: true}, nil
}
