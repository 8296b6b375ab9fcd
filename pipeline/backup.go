package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benji-backup/benji/benjierr"
	"github.com/benji-backup/benji/hash"
	"github.com/benji-backup/benji/ioadapter"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
	"github.com/benji-backup/benji/transform"
)

// BackupOptions parameterizes one backup run (spec.md §4.6's inputs).
type BackupOptions struct {
	SourceURI      string
	VolumeName     string
	Snapshot       string
	StorageName    string
	BlockSize      int64
	BaseVersionUID string
	Hints          ioadapter.Hints
	Labels         map[string]string
	UID            string
}

// action classifies how one block index is produced during a backup.
type action int

const (
	actionRead action = iota
	actionInherit
	actionKnownSparse
)

// plan is the per-index decision computed in step 1-2 of spec.md §4.6
// before any block is read.
type plan struct {
	act  action
	base *metadata.Block // set when act == actionInherit
	size int64
}

// Backup runs the full backup pipeline described in spec.md §4.6 and
// returns the resulting Version.
func (e *Engine) Backup(ctx context.Context, opts BackupOptions) (*metadata.Version, error) {
	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	storageName := opts.StorageName
	backend, err := e.backend(storageName)
	if err != nil {
		return nil, err
	}
	chain := e.Chains[storageName]

	src, err := ioadapter.Open(ctx, opts.SourceURI, ioadapter.ReadOnly)
	if err != nil {
		return nil, benjierr.New(benjierr.IOError, "pipeline.Backup", err)
	}
	defer src.Close()

	size, err := src.Size(ctx)
	if err != nil {
		return nil, benjierr.New(benjierr.IOError, "pipeline.Backup", err)
	}

	baseBlocks := map[int]*metadata.Block{}
	if opts.BaseVersionUID != "" {
		base, err := e.Meta.GetVersion(ctx, opts.BaseVersionUID)
		if err != nil {
			return nil, err
		}
		if base.BlockSize != blockSize {
			return nil, benjierr.New(benjierr.BlockSizeMismatch, "pipeline.Backup",
				fmt.Errorf("base block size %d != %d", base.BlockSize, blockSize))
		}
		if base.Status != metadata.StatusValid {
			return nil, benjierr.New(benjierr.BaseInvalid, "pipeline.Backup",
				fmt.Errorf("base version %s is %s", base.UID, base.Status))
		}
		if size < base.Size {
			return nil, benjierr.New(benjierr.SourceTooSmall, "pipeline.Backup", ioadapter.ErrSourceTooSmall)
		}
		it, err := e.Meta.BlockIterator(ctx, base.UID)
		if err != nil {
			return nil, err
		}
		for {
			b, ok, err := it.Next(ctx)
			if err != nil {
				it.Close()
				return nil, err
			}
			if !ok {
				break
			}
			baseBlocks[b.Idx] = b
		}
		it.Close()
	}

	n := metadata.BlockCount(size, blockSize)
	plans, err := buildPlans(n, blockSize, opts.Hints, baseBlocks)
	if err != nil {
		return nil, err
	}

	uid := opts.UID
	if uid == "" {
		uid, err = randomUID()
		if err != nil {
			return nil, err
		}
	}
	v := &metadata.Version{
		UID: uid, Date: time.Now(), Volume: opts.VolumeName, Snapshot: opts.Snapshot,
		Size: size, BlockSize: blockSize, Status: metadata.StatusIncomplete,
		Storage: storageName, Labels: opts.Labels,
	}
	if err := e.Meta.CreateVersion(ctx, v); err != nil {
		return nil, err
	}

	cs, err := e.runBlockWorkers(ctx, v, plans, src, backend, chain, storageName)
	if err != nil {
		return v, err
	}

	v.BytesRead, v.BytesWritten, v.BytesDeduplicated, v.BytesSparse = cs.read, cs.written, cs.deduplicated, cs.sparse
	v.Duration = time.Since(v.Date)
	if err := e.Meta.UpdateVersionCounters(ctx, v); err != nil {
		return v, err
	}
	if err := e.Meta.UpdateVersionStatus(ctx, v.UID, metadata.StatusValid); err != nil {
		return v, err
	}
	v.Status = metadata.StatusValid

	if err := e.writeVersionMetadataBackup(ctx, backend, chain, v.UID); err != nil {
		e.Log.Error("pipeline: backup: version-metadata backup for %s failed: %v", v.UID, err)
	}
	return v, nil
}

// buildPlans implements spec.md §4.6 steps 1-2: every index covered by a
// hint with Used==true must be read; every index covered by a hint with
// Used==false is known-sparse and skips reading entirely; every index not
// covered by any hint inherits unchanged from the base plan if one exists,
// else must be read (a full backup with no hints reads everything).
func buildPlans(n int, blockSize int64, hints ioadapter.Hints, base map[int]*metadata.Block) ([]plan, error) {
	plans := make([]plan, n)
	covered := make([]bool, n)
	if hints != nil {
		for {
			region, ok, err := hints.Next()
			if err != nil {
				return nil, benjierr.New(benjierr.IOError, "pipeline.Backup", err)
			}
			if !ok {
				break
			}
			first := int(region.Offset / blockSize)
			last := int((region.Offset + region.Length - 1) / blockSize)
			for i := first; i <= last && i < n; i++ {
				if i < 0 {
					continue
				}
				covered[i] = true
				if region.Used {
					plans[i] = plan{act: actionRead}
				} else {
					plans[i] = plan{act: actionKnownSparse}
				}
			}
		}
	}
	for i := 0; i < n; i++ {
		if covered[i] {
			continue
		}
		// A base block can only be inherited unchanged when its recorded
		// size still matches what this index needs: a partial final block
		// of the base can't be inherited into a now-interior index of a
		// grown source (that index now needs a full-size read).
		if b, ok := base[i]; ok && (b.Size == blockSize || i == n-1) {
			plans[i] = plan{act: actionInherit, base: b}
			continue
		}
		plans[i] = plan{act: actionRead}
	}
	return plans, nil
}

type counters struct {
	mu                                   sync.Mutex
	read, written, deduplicated, sparse int64
}

func (c *counters) addRead(n int64)        { c.mu.Lock(); c.read += n; c.mu.Unlock() }
func (c *counters) addWritten(n int64)     { c.mu.Lock(); c.written += n; c.mu.Unlock() }
func (c *counters) addDeduplicated(n int64) { c.mu.Lock(); c.deduplicated += n; c.mu.Unlock() }
func (c *counters) addSparse(n int64)      { c.mu.Lock(); c.sparse += n; c.mu.Unlock() }

// runBlockWorkers processes every index's plan with bounded concurrency,
// the same buffered-channel-as-semaphore plus sync.WaitGroup shape as the
// teacher's restoreDir/restoreFile worker pool in cmd/bk/backup.go. Finished
// Block rows are streamed to a flushing goroutine rather than collected into
// one end-of-run slice, so spec.md §4.6 step 5's bounded-batch commits keep
// earlier indices visible to Dedup.Lookup well before the whole backup
// finishes (see dedup.Index.Build's singleflight comment for why that
// matters once a duplicate's first build falls out of the same wave).
func (e *Engine) runBlockWorkers(ctx context.Context, v *metadata.Version, plans []plan, src ioadapter.Source, backend storage.Backend, chain transform.Chain, storageName string) (*counters, error) {
	n := len(plans)
	var lastSize int64
	if n > 0 {
		lastSize = v.Size - int64(n-1)*v.BlockSize
	}

	cs := &counters{}
	sem := make(chan struct{}, e.workers())
	results := make(chan *metadata.Block, e.workers())
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	var flushErr error
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		flushErr = e.flushBlocks(ctx, results)
	}()

	for i := 0; i < n; i++ {
		idx := i
		sz := v.BlockSize
		if idx == n-1 {
			sz = lastSize
		}
		p := plans[idx]
		p.size = sz

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; wg.Done() }()
			b, err := e.processIndex(ctx, v, idx, p, src, backend, chain, storageName, cs)
			if err != nil {
				recordErr(err)
				return
			}
			results <- b
		}()
	}
	wg.Wait()
	close(results)
	<-flushDone

	if firstErr != nil {
		return cs, firstErr
	}
	if flushErr != nil {
		return cs, flushErr
	}
	return cs, nil
}

// flushBlocks drains completed Block rows off results and commits them to
// the metadata store in batches of at most blockBatchSize, instead of
// waiting for every worker to finish and inserting the whole run in a
// single transaction. It keeps draining after an insert failure so that
// in-flight workers never block forever trying to send to results; the
// first flush error is what runBlockWorkers reports.
func (e *Engine) flushBlocks(ctx context.Context, results <-chan *metadata.Block) error {
	batchSize := e.blockBatchSize()
	pending := make([]*metadata.Block, 0, batchSize)
	var flushErr error
	for b := range results {
		if flushErr != nil {
			continue
		}
		pending = append(pending, b)
		if len(pending) < batchSize {
			continue
		}
		if err := e.Meta.InsertBlocks(ctx, pending); err != nil {
			flushErr = err
			continue
		}
		pending = pending[:0]
	}
	if flushErr != nil {
		return flushErr
	}
	if len(pending) > 0 {
		return e.Meta.InsertBlocks(ctx, pending)
	}
	return nil
}

func (e *Engine) processIndex(ctx context.Context, v *metadata.Version, idx int, p plan, src ioadapter.Source, backend storage.Backend, chain transform.Chain, storageName string, cs *counters) (*metadata.Block, error) {
	switch p.act {
	case actionInherit:
		b := *p.base
		b.VersionUID = v.UID
		b.Idx = idx
		return &b, nil
	case actionKnownSparse:
		cs.addSparse(p.size)
		return &metadata.Block{VersionUID: v.UID, Idx: idx, Size: p.size, Valid: true}, nil
	}

	buf := make([]byte, p.size)
	if _, err := src.ReadAt(ctx, buf, int64(idx)*v.BlockSize); err != nil {
		return nil, benjierr.New(benjierr.IOError, "pipeline.Backup", err)
	}
	cs.addRead(p.size)

	if hash.IsAllZero(buf) {
		cs.addSparse(p.size)
		return &metadata.Block{VersionUID: v.UID, Idx: idx, Size: p.size, Valid: true}, nil
	}

	digest := e.HashFn.Sum(buf)
	checksum := digest.Bytes()

	if uid, ok, err := e.Dedup.Lookup(ctx, storageName, checksum); err != nil {
		return nil, err
	} else if ok {
		cs.addDeduplicated(p.size)
		if e.History != nil {
			e.History.Add(storageName, uid)
		}
		return &metadata.Block{VersionUID: v.UID, Idx: idx, Size: p.size, Checksum: checksum, UID: &uid, Valid: true}, nil
	}

	built := false
	uid, err := e.Dedup.Build(ctx, storageName, checksum, func() (storage.BlockUID, error) {
		built = true
		transformed, headers, err := chain.Forward(buf)
		if err != nil {
			return storage.BlockUID{}, benjierr.New(benjierr.TransformError, "pipeline.Backup", err)
		}
		newUID, err := e.Meta.NextBlockUID(ctx)
		if err != nil {
			return storage.BlockUID{}, err
		}
		sc := storage.Sidecar{
			UID: newUID, Created: time.Now(), Modified: time.Now(),
			Transforms: chain.Names(), OriginalSize: int64(len(buf)),
			TransformedSize: int64(len(transformed)), TransformHeaders: encodeHeaders(headers),
		}
		if err := backend.Put(newUID, transformed, sc); err != nil {
			return storage.BlockUID{}, benjierr.New(benjierr.StorageError, "pipeline.Backup", err)
		}
		cs.addWritten(int64(len(transformed)))
		return newUID, nil
	})
	if err != nil {
		return nil, err
	}
	if !built {
		// Another worker's in-flight build of the same checksum produced uid.
		cs.addDeduplicated(p.size)
	}
	if e.History != nil {
		e.History.Add(storageName, uid)
	}
	return &metadata.Block{VersionUID: v.UID, Idx: idx, Size: p.size, Checksum: checksum, UID: &uid, Valid: true}, nil
}

// versionMetadataEnvelope wraps a transformed version-metadata document
// together with the per-transform headers needed to invert it, since
// PutNamed has no sidecar slot the way block Put does.
type versionMetadataEnvelope struct {
	Transforms []string          `json:"transforms"`
	Headers    map[string]string `json:"headers,omitempty"`
	Data       []byte            `json:"data"`
}

// BackupVersionMetadata writes the version-metadata backup object for an
// already-existing Version to the named storage, for the metadata-backup
// CLI command to call outside of a fresh Backup run.
func (e *Engine) BackupVersionMetadata(ctx context.Context, storageName, versionUID string) error {
	backend, ok := e.Backends[storageName]
	if !ok {
		return benjierr.New(benjierr.ConfigError, "pipeline.BackupVersionMetadata",
			fmt.Errorf("unknown storage %q", storageName))
	}
	return e.writeVersionMetadataBackup(ctx, backend, e.Chains[storageName], versionUID)
}

func (e *Engine) writeVersionMetadataBackup(ctx context.Context, backend storage.Backend, chain transform.Chain, versionUID string) error {
	doc, err := metadata.ExportVersion(ctx, e.Meta, versionUID)
	if err != nil {
		return err
	}
	body, err := doc.Marshal()
	if err != nil {
		return err
	}
	transformed, headers, err := chain.Forward(body)
	if err != nil {
		return err
	}
	env := versionMetadataEnvelope{Transforms: chain.Names(), Headers: encodeHeaders(headers), Data: transformed}
	encoded, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return backend.PutNamed(versionMetadataKey(versionUID), encoded)
}

// versionMetadataKey is the dedicated-prefix naming scheme spec.md §4.4
// refers to for version-metadata backups.
func versionMetadataKey(versionUID string) string {
	return "version-metadata/" + versionUID + ".json"
}

// encodeHeaders/decodeHeaders bridge transform.Chain's map[string][]byte
// per-transform headers and storage.Sidecar's map[string]string field
// (the sidecar is itself JSON-serialized, so headers are hex-encoded
// rather than stored as raw, possibly non-UTF8, bytes).
func encodeHeaders(headers map[string][]byte) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = hex.EncodeToString(v)
	}
	return out
}

func decodeHeaders(headers map[string]string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(headers))
	for k, v := range headers {
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("pipeline: decode transform header %q: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

func randomUID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
