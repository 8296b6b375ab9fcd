package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benji-backup/benji/benjierr"
	"github.com/benji-backup/benji/hash"
	"github.com/benji-backup/benji/ioadapter"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
	"github.com/benji-backup/benji/transform"
)

// RestoreOptions parameterizes one restore run (spec.md §4.7's inputs).
type RestoreOptions struct {
	VersionUID     string
	DestinationURI string
	Sparse         bool
	Force          bool
	DatabaseLess   bool
}

// RestoreResult carries the counters spec.md §4.7 step 4 says are
// recorded for the run but not written back to the Version row.
type RestoreResult struct {
	BytesRead      int64
	BytesWritten   int64
	BytesSparse    int64
	ChecksumErrors int
}

// Restore runs the restore pipeline of spec.md §4.7.
func (e *Engine) Restore(ctx context.Context, opts RestoreOptions) (RestoreResult, error) {
	var res RestoreResult

	meta := e.Meta
	if opts.DatabaseLess {
		imported, v, err := e.importDatabaseLess(ctx, opts.VersionUID)
		if err != nil {
			return res, err
		}
		meta = imported
		opts.VersionUID = v.UID
	}

	v, err := meta.GetVersion(ctx, opts.VersionUID)
	if err != nil {
		return res, err
	}
	backend, err := e.backend(v.Storage)
	if err != nil {
		return res, err
	}
	chain := e.Chains[v.Storage]

	dst, err := ioadapter.Open(ctx, opts.DestinationURI, ioadapter.ReadWrite)
	if err != nil {
		return res, benjierr.New(benjierr.IOError, "pipeline.Restore", err)
	}
	defer dst.Close()

	if err := e.checkDestination(ctx, dst, v, opts); err != nil {
		return res, err
	}

	it, err := meta.BlockIterator(ctx, v.UID)
	if err != nil {
		return res, err
	}
	defer it.Close()

	sem := make(chan struct{}, e.workers())
	var wg sync.WaitGroup
	var mu sync.Mutex

	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		blk := b
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; wg.Done() }()
			e.restoreBlock(ctx, meta, v, blk, dst, backend, chain, opts.Sparse, &res, &mu)
		}()
	}
	wg.Wait()
	return res, nil
}

func (e *Engine) checkDestination(ctx context.Context, dst ioadapter.Source, v *metadata.Version, opts RestoreOptions) error {
	size, err := dst.Size(ctx)
	if err != nil {
		return benjierr.New(benjierr.IOError, "pipeline.Restore", err)
	}
	if size > 0 && !opts.Force {
		return benjierr.New(benjierr.PolicyViolation, "pipeline.Restore",
			fmt.Errorf("destination %s is non-empty; use --force", opts.DestinationURI))
	}
	if opts.Sparse {
		if err := dst.Discard(ctx, 0, v.Size); err != nil {
			e.Log.Debug("pipeline: restore: discard not supported on destination: %v", err)
		}
	}
	return nil
}

// restoreBlock implements spec.md §4.7 step 3 for a single Block.
// Checksum mismatches mark the block and its Version invalid and log an
// error but never abort the run: restore is best-effort.
func (e *Engine) restoreBlock(ctx context.Context, meta metadata.Store, v *metadata.Version, b *metadata.Block, dst ioadapter.Source, backend storage.Backend, chain transform.Chain, sparse bool, res *RestoreResult, mu *sync.Mutex) {
	offset := int64(b.Idx) * v.BlockSize

	if b.IsSparse() {
		mu.Lock()
		res.BytesSparse += b.Size
		mu.Unlock()
		if sparse {
			return
		}
		if _, err := dst.WriteAt(ctx, make([]byte, b.Size), offset); err != nil {
			e.Log.Error("pipeline: restore: zero-fill block %d: %v", b.Idx, err)
		}
		return
	}

	transformed, sc, err := backend.Get(*b.UID)
	if err != nil {
		e.invalidateAndLog(ctx, meta, v, b, err)
		mu.Lock()
		res.ChecksumErrors++
		mu.Unlock()
		return
	}
	headers, err := decodeHeaders(sc.TransformHeaders)
	if err != nil {
		e.invalidateAndLog(ctx, meta, v, b, err)
		mu.Lock()
		res.ChecksumErrors++
		mu.Unlock()
		return
	}
	plaintext, err := chain.Inverse(transformed, headers)
	if err != nil {
		e.invalidateAndLog(ctx, meta, v, b, err)
		mu.Lock()
		res.ChecksumErrors++
		mu.Unlock()
		return
	}
	mu.Lock()
	res.BytesRead += int64(len(transformed))
	mu.Unlock()

	digest := e.HashFn.Sum(plaintext)
	if !digest.Equal(hash.FromBytes(b.Checksum)) {
		e.invalidateAndLog(ctx, meta, v, b, fmt.Errorf("%w: restore checksum mismatch at block %d", storage.ErrStorageIntegrity, b.Idx))
		mu.Lock()
		res.ChecksumErrors++
		mu.Unlock()
		// Still write the recovered bytes: restore is best-effort (spec.md §7).
	}

	if _, err := dst.WriteAt(ctx, plaintext, offset); err != nil {
		e.Log.Error("pipeline: restore: write block %d: %v", b.Idx, err)
		return
	}
	mu.Lock()
	res.BytesWritten += int64(len(plaintext))
	mu.Unlock()
}

func (e *Engine) invalidateAndLog(ctx context.Context, meta metadata.Store, v *metadata.Version, b *metadata.Block, err error) {
	e.Log.Error("pipeline: restore: block %d of %s: %v", b.Idx, v.UID, err)
	if b.UID == nil {
		return
	}
	if mErr := meta.MarkBlockUIDInvalid(ctx, *b.UID); mErr != nil {
		e.Log.Error("pipeline: restore: mark invalid %s: %v", b.UID, mErr)
	}
}

// importDatabaseLess implements spec.md §4.7 step 1's --database-less path:
// load the version-metadata backup written at backup time (§4.4) into a
// fresh in-memory store, skipping the relational metadata store entirely.
func (e *Engine) importDatabaseLess(ctx context.Context, versionUID string) (metadata.Store, *metadata.Version, error) {
	doc, err := e.FetchVersionMetadataDocument(ctx, versionUID)
	if err != nil {
		return nil, nil, err
	}

	mem, err := metadata.NewInMemoryStore()
	if err != nil {
		return nil, nil, err
	}
	if err := metadata.ImportDocument(ctx, mem, doc); err != nil {
		mem.Close()
		return nil, nil, err
	}
	v, err := mem.GetVersion(ctx, versionUID)
	if err != nil {
		mem.Close()
		return nil, nil, err
	}
	return mem, v, nil
}

// FetchVersionMetadataDocument retrieves and decodes the version-metadata
// backup object written by Backup, scanning every configured storage for
// it. Used by the --database-less restore path and by the metadata-restore
// CLI command.
func (e *Engine) FetchVersionMetadataDocument(ctx context.Context, versionUID string) (*metadata.Document, error) {
	var found storage.Backend
	var chain transform.Chain
	for name, backend := range e.Backends {
		if backend.NamedExists(versionMetadataKey(versionUID)) {
			found = backend
			chain = e.Chains[name]
			break
		}
	}
	if found == nil {
		return nil, benjierr.New(benjierr.NotFound, "pipeline.Restore",
			fmt.Errorf("no version-metadata backup found for %s on any configured storage", versionUID))
	}
	raw, err := found.GetNamed(versionMetadataKey(versionUID))
	if err != nil {
		return nil, err
	}
	var env versionMetadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("pipeline: database-less restore: decode envelope: %w", err)
	}
	headers, err := decodeHeaders(env.Headers)
	if err != nil {
		return nil, err
	}
	body, err := chain.Inverse(env.Data, headers)
	if err != nil {
		return nil, benjierr.New(benjierr.TransformError, "pipeline.Restore", err)
	}
	return metadata.UnmarshalDocument(body)
}
