package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/benji-backup/benji/storage"
)

var (
	ErrNotFound      = errors.New("metadata: not found")
	ErrAlreadyExists = errors.New("metadata: already exists")
	ErrLockConflict  = errors.New("metadata: lock held")
)

// BlockIterator streams a Version's Block rows without ever materializing
// the full list, per spec.md §4.4 and §5's memory discipline.
type BlockIterator interface {
	// Next advances the iterator. ok is false once exhausted.
	Next(ctx context.Context) (blk *Block, ok bool, err error)
	Close() error
}

// Store is the relational persistence capability set required by the
// pipeline, scrub, gc, retention, lock, and nbd packages. The sqlite-backed
// implementation (sqlstore.go) and the in-memory database-less
// implementation (inmemory.go) both satisfy it.
type Store interface {
	// Versions.
	CreateVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, uid string) (*Version, error)
	ListVersions(ctx context.Context, volume string) ([]*Version, error)
	UpdateVersionStatus(ctx context.Context, uid string, status Status) error
	SetVersionProtected(ctx context.Context, uid string, protected bool) error
	SetVersionLabel(ctx context.Context, uid, name, value string) error
	DeleteVersionLabel(ctx context.Context, uid, name string) error
	UpdateVersionCounters(ctx context.Context, v *Version) error
	DeleteVersion(ctx context.Context, uid string) error

	// Blocks.
	InsertBlocks(ctx context.Context, blocks []*Block) error
	GetBlock(ctx context.Context, versionUID string, idx int) (*Block, error)
	BlockIterator(ctx context.Context, versionUID string) (BlockIterator, error)
	MarkBlockUIDInvalid(ctx context.Context, uid storage.BlockUID) error

	// Dedup index.
	LookupChecksum(ctx context.Context, storageName string, checksum []byte) (storage.BlockUID, bool, error)
	NextBlockUID(ctx context.Context) (storage.BlockUID, error)

	// GC.
	EnqueueDeletionCandidate(ctx context.Context, uid storage.BlockUID) error
	DeletionCandidatesOlderThan(ctx context.Context, cutoff time.Time) ([]DeletionCandidate, error)
	RemoveDeletionCandidate(ctx context.Context, uid storage.BlockUID) error
	BlockUIDReferenced(ctx context.Context, uid storage.BlockUID) (bool, error)
	AllReferencedBlockUIDs(ctx context.Context) (map[storage.BlockUID]bool, error)

	// Storages.
	EnsureStorage(ctx context.Context, name string) (id int64, err error)

	// Locks (spec.md §4.11).
	AcquireLock(ctx context.Context, scope, name, owner, reason string) error
	ReleaseLock(ctx context.Context, scope, name string) error
	OverrideLock(ctx context.Context, scope, name string) error
	ListLocks(ctx context.Context, scope string) ([]Lock, error)

	Close() error
}
