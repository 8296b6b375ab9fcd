// Package scrub implements light and deep verification from spec.md §4.8:
// light scrub reads each block's sidecar only; deep scrub additionally
// fetches and re-hashes data, optionally against a live source. Both
// propagate invalidity across every Version referencing a corrupted block
// (spec.md invariant 7).
//
// Grounded on the teacher's storage.fsckHash / PackFileBackend.Fsck
// (storage/packidx.go, storage/storage_test.go's integrity assertions):
// deep scrub's fetch-decode-rehash-compare loop is the same shape, widened
// from "one content-addressed chunk" to "one fixed-size block with a
// separately recorded checksum".
package scrub

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"

	"github.com/benji-backup/benji/benjierr"
	"github.com/benji-backup/benji/hash"
	"github.com/benji-backup/benji/ioadapter"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
	"github.com/benji-backup/benji/transform"
	u "github.com/benji-backup/benji/util"
)

// Result tallies one scrub run over a Version.
type Result struct {
	VersionUID      string
	BlocksChecked   int
	BlocksSkipped   int
	BlocksInvalid   int
	Deep            bool
	BlockPercentage int
}

// OK reports whether the scrub found no new invalidity.
func (r Result) OK() bool { return r.BlocksInvalid == 0 }

// Scrubber runs light/deep scrubs against a metadata.Store and the
// storage.Backends + transform.Chains for each storage name a Version may
// reference.
type Scrubber struct {
	meta     metadata.Store
	backends map[string]storage.Backend
	chains   map[string]transform.Chain
	hashFn   hash.Function
	log      *u.Logger
}

// New returns a Scrubber. chains maps storage name to the transform.Chain
// configured for it (needed only for deep scrubs, which must invert
// whatever was applied on write).
func New(meta metadata.Store, backends map[string]storage.Backend, chains map[string]transform.Chain, hashFn hash.Function, log *u.Logger) *Scrubber {
	if hashFn == nil {
		hashFn = hash.Default
	}
	return &Scrubber{meta: meta, backends: backends, chains: chains, hashFn: hashFn, log: log}
}

// sample reports whether a block at the given percentage should be
// checked. percentage=100 always checks; plain math/rand is used for the
// uniform sampling spec.md §4.8 calls for — no sampling library appears
// anywhere in the retrieved corpus for a decision this small.
func sample(percentage int) bool {
	if percentage >= 100 {
		return true
	}
	if percentage <= 0 {
		return false
	}
	return rand.Intn(100) < percentage
}

// Light runs spec.md §4.8's light scrub: for each sampled Block, read its
// sidecar through the backend, which also verifies the sidecar HMAC when
// one is configured. Never fetches or checksums data. The data object
// itself is not looked up, so a missing or resized data object behind a
// present sidecar is not detected by a light scrub.
func (s *Scrubber) Light(ctx context.Context, versionUID string, blockPercentage int) (Result, error) {
	v, err := s.meta.GetVersion(ctx, versionUID)
	if err != nil {
		return Result{}, err
	}
	backend, ok := s.backends[v.Storage]
	if !ok {
		return Result{}, benjierr.New(benjierr.NotFound, "scrub.Light", fmt.Errorf("unknown storage %q", v.Storage))
	}

	res := Result{VersionUID: versionUID, BlockPercentage: blockPercentage}
	it, err := s.meta.BlockIterator(ctx, versionUID)
	if err != nil {
		return Result{}, err
	}
	defer it.Close()

	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		if b.IsSparse() {
			continue
		}
		if !sample(blockPercentage) {
			res.BlocksSkipped++
			continue
		}
		res.BlocksChecked++
		sc, err := backend.GetMetadata(*b.UID)
		if err != nil {
			s.log.Error("scrub: light: %s block %d: %v", versionUID, b.Idx, err)
			if err := s.invalidate(ctx, *b.UID); err != nil {
				return res, err
			}
			res.BlocksInvalid++
			continue
		}
		// The second sidecar read only rejects a negative recorded stored
		// size; the data object is not looked up here.
		if _, err := backend.GetMetadata(*b.UID); err == nil && sc.TransformedSize < 0 {
			res.BlocksInvalid++
		}
	}
	return s.finalize(ctx, v, blockPercentage, res)
}

// Deep runs spec.md §4.8's deep scrub: additionally fetches, inverse-
// transforms, and recomputes the hash, comparing it to the recorded
// checksum. If source is non-nil, each block is additionally compared
// byte-for-byte against the live source at the same offset (--source).
func (s *Scrubber) Deep(ctx context.Context, versionUID string, blockPercentage int, source ioadapter.Source) (Result, error) {
	v, err := s.meta.GetVersion(ctx, versionUID)
	if err != nil {
		return Result{}, err
	}
	backend, ok := s.backends[v.Storage]
	if !ok {
		return Result{}, benjierr.New(benjierr.NotFound, "scrub.Deep", fmt.Errorf("unknown storage %q", v.Storage))
	}
	chain := s.chains[v.Storage]

	res := Result{VersionUID: versionUID, Deep: true, BlockPercentage: blockPercentage}
	it, err := s.meta.BlockIterator(ctx, versionUID)
	if err != nil {
		return Result{}, err
	}
	defer it.Close()

	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		if b.IsSparse() {
			continue
		}
		if !sample(blockPercentage) {
			res.BlocksSkipped++
			continue
		}
		res.BlocksChecked++

		if err := s.deepCheckOne(ctx, v, b, backend, chain, source); err != nil {
			s.log.Error("scrub: deep: %s block %d: %v", versionUID, b.Idx, err)
			res.BlocksInvalid++
			continue
		}
	}
	return s.finalize(ctx, v, blockPercentage, res)
}

func (s *Scrubber) deepCheckOne(ctx context.Context, v *metadata.Version, b *metadata.Block, backend storage.Backend, chain transform.Chain, source ioadapter.Source) error {
	transformed, sc, err := backend.Get(*b.UID)
	if err != nil {
		if err := s.invalidate(ctx, *b.UID); err != nil {
			return err
		}
		return err
	}
	plaintext := transformed
	if len(chain) > 0 {
		headers := make(map[string][]byte, len(sc.TransformHeaders))
		for name, h := range sc.TransformHeaders {
			raw, err := hex.DecodeString(h)
			if err != nil {
				_ = s.invalidate(ctx, *b.UID)
				return benjierr.New(benjierr.TransformError, "scrub.Deep", err)
			}
			headers[name] = raw
		}
		plaintext, err = chain.Inverse(transformed, headers)
		if err != nil {
			_ = s.invalidate(ctx, *b.UID)
			return benjierr.New(benjierr.TransformError, "scrub.Deep", err)
		}
	}
	digest := s.hashFn.Sum(plaintext)
	if !digest.Equal(hash.FromBytes(b.Checksum)) {
		if err := s.invalidate(ctx, *b.UID); err != nil {
			return err
		}
		return fmt.Errorf("%w: checksum mismatch", storage.ErrStorageIntegrity)
	}
	if source != nil {
		live := make([]byte, len(plaintext))
		if _, err := source.ReadAt(ctx, live, int64(b.Idx)*v.BlockSize); err != nil {
			return fmt.Errorf("scrub: source read: %w", err)
		}
		if !bytesEqual(live, plaintext) {
			if err := s.invalidate(ctx, *b.UID); err != nil {
				return err
			}
			return fmt.Errorf("%w: source mismatch", storage.ErrStorageIntegrity)
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Scrubber) invalidate(ctx context.Context, uid storage.BlockUID) error {
	// Invariant 7: marking a block invalid atomically marks every
	// referencing Version invalid.
	return s.meta.MarkBlockUIDInvalid(ctx, uid)
}

// finalize applies spec.md §4.8's sampling rule: a run with
// blockPercentage < 100 may only downgrade status (valid→invalid), never
// upgrade; only a full (100%) deep scrub that found no invalidity may
// restore invalid→valid (spec.md invariant 3).
func (s *Scrubber) finalize(ctx context.Context, v *metadata.Version, blockPercentage int, res Result) (Result, error) {
	if res.BlocksInvalid > 0 {
		if err := s.meta.UpdateVersionStatus(ctx, v.UID, metadata.StatusInvalid); err != nil {
			return res, err
		}
		return res, nil
	}
	if res.Deep && blockPercentage >= 100 && v.Status != metadata.StatusValid {
		if err := s.meta.UpdateVersionStatus(ctx, v.UID, metadata.StatusValid); err != nil {
			return res, err
		}
	}
	return res, nil
}
