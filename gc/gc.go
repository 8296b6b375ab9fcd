// Package gc implements `rm` and `cleanup` from spec.md §4.9: logical
// Version deletion followed by deferred, grace-windowed physical object
// deletion, plus a full orphan sweep.
//
// Not present in the teacher (bk never deletes data once written); modeled
// on the same "deferred, idempotent, restartable" philosophy the teacher
// applies to its own restart-safety (storage/packidx.go's
// launchWriters/SyncWrites — a crashed write leaves the pack file
// consistent for the next run to continue), now applied to a two-phase
// delete queue. No library in the retrieved corpus fits a two-phase
// delete queue, so this is plain Go directly against metadata.Store and
// storage.Backend.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/benji-backup/benji/benjierr"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
	u "github.com/benji-backup/benji/util"
)

// DefaultGraceWindow is the spec's "more than one hour" default grace
// period (spec.md §4.9, flagged in §9 as a value that must be exposed as a
// tunable rather than left hard-coded).
const DefaultGraceWindow = time.Hour

// Collector runs rm/cleanup against a metadata.Store and the set of
// storage.Backends its Versions may reference, keyed by storage name.
type Collector struct {
	meta     metadata.Store
	backends map[string]storage.Backend
	log      *u.Logger
}

// New returns a Collector. backends must contain an entry for every
// storage name any Version in meta references.
func New(meta metadata.Store, backends map[string]storage.Backend, log *u.Logger) *Collector {
	return &Collector{meta: meta, backends: backends, log: log}
}

// Remove logically deletes the Version uid: its row and Block rows are
// deleted and every referenced block_uid is enqueued as a
// DeletionCandidate (spec.md §4.9's "rm"). Protected versions and versions
// younger than disallowYounger are refused unless force is set (spec.md
// invariants 5-6).
func (c *Collector) Remove(ctx context.Context, uid string, disallowYounger time.Duration, force bool) error {
	v, err := c.meta.GetVersion(ctx, uid)
	if err != nil {
		return err
	}
	if v.Protected && !force {
		return benjierr.New(benjierr.PolicyViolation, "gc.Remove", fmt.Errorf("%s is protected", uid))
	}
	if !force && time.Since(v.Date) < disallowYounger {
		return benjierr.New(benjierr.PolicyViolation, "gc.Remove",
			fmt.Errorf("%s is younger than %s", uid, disallowYounger))
	}
	if err := c.meta.DeleteVersion(ctx, uid); err != nil {
		return err
	}
	c.log.Verbose("gc: removed version %s, blocks enqueued for cleanup", uid)
	return nil
}

// Cleanup processes every DeletionCandidate older than the grace window:
// if no surviving Block still references the candidate's block_uid, its
// stored objects are deleted and the candidate removed. Idempotent and
// restartable, per spec.md §5.
func (c *Collector) Cleanup(ctx context.Context, graceWindow time.Duration, simultaneousRemovals int) (removed int, err error) {
	cutoff := time.Now().Add(-graceWindow)
	candidates, err := c.meta.DeletionCandidatesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if simultaneousRemovals < 1 {
		simultaneousRemovals = 1
	}

	sem := make(chan struct{}, simultaneousRemovals)
	results := make(chan error, len(candidates))
	for _, cand := range candidates {
		cand := cand
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			results <- c.cleanupOne(ctx, cand)
		}()
	}
	var firstErr error
	for i := 0; i < len(candidates); i++ {
		if err := <-results; err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.log.Error("gc: cleanup: %v", err)
			continue
		}
		removed++
	}
	return removed, firstErr
}

func (c *Collector) cleanupOne(ctx context.Context, cand metadata.DeletionCandidate) error {
	referenced, err := c.meta.BlockUIDReferenced(ctx, cand.UID)
	if err != nil {
		return err
	}
	if referenced {
		// The grace window race: a concurrent backup re-used this
		// block_uid by checksum after it was enqueued. Leave it.
		return c.meta.RemoveDeletionCandidate(ctx, cand.UID)
	}
	for name, backend := range c.backends {
		if err := backend.Delete(cand.UID); err != nil {
			return fmt.Errorf("gc: delete %s on %s: %w", cand.UID, name, err)
		}
	}
	return c.meta.RemoveDeletionCandidate(ctx, cand.UID)
}

// FullSweep implements spec.md §4.9's full-mode cleanup: enumerate every
// object on backend and delete any block_uid not referenced by any
// surviving Block row, for orphans that never went through the
// DeletionCandidates queue (e.g. left behind by a crashed backup after the
// data object was written but before its Block row committed).
func (c *Collector) FullSweep(ctx context.Context, backendName string) (removed int, err error) {
	backend, ok := c.backends[backendName]
	if !ok {
		return 0, benjierr.New(benjierr.NotFound, "gc.FullSweep", fmt.Errorf("unknown storage %q", backendName))
	}
	referenced, err := c.meta.AllReferencedBlockUIDs(ctx)
	if err != nil {
		return 0, err
	}
	it, err := backend.List()
	if err != nil {
		return 0, err
	}
	defer it.Close()

	for {
		uid, ok, err := it.Next()
		if err != nil {
			return removed, err
		}
		if !ok {
			break
		}
		if referenced[uid] {
			continue
		}
		if err := backend.Delete(uid); err != nil {
			return removed, fmt.Errorf("gc: orphan sweep: delete %s: %w", uid, err)
		}
		removed++
	}
	return removed, nil
}
