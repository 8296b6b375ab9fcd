// Package metadata implements the relational persistence layer from
// SPEC_FULL.md §4.4: versions, blocks, storages, locks, and the dedup
// fingerprint index, plus the version-metadata JSON export/import used for
// database-less restore.
//
// Grounded on the plain database/sql usage in
// other_examples/kk-code-lab-seglake__store.go (no ORM, hand-written DDL
// behind a schema_migrations table, tx-scoped multi-statement writes) over
// other_examples/latentloop-latentfs__bundb.go's bun ORM style — the
// teacher itself never touches a database, so this package follows the
// simpler of the two retrieved patterns rather than adding an ORM
// dependency the rest of the corpus doesn't otherwise need.
package metadata

import (
	"time"

	"github.com/benji-backup/benji/storage"
)

// Status is a Version's lifecycle state (spec.md §3).
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusValid      Status = "valid"
	StatusInvalid    Status = "invalid"
)

// Version is a point-in-time backup of one source volume (spec.md §3).
type Version struct {
	UID      string
	Date     time.Time
	Volume   string
	Snapshot string

	Size      int64
	BlockSize int64

	Status    Status
	Protected bool
	Storage   string

	Labels map[string]string

	BytesRead          int64
	BytesWritten       int64
	BytesDeduplicated  int64
	BytesSparse        int64
	Duration           time.Duration
}

// Block is one cell of a Version's content (spec.md §3). Checksum and UID
// are both nil for a sparse block.
type Block struct {
	VersionUID string
	Idx        int

	Size     int64
	Checksum []byte
	UID      *storage.BlockUID
	Valid    bool
}

// IsSparse reports whether b represents an all-zero region with no stored
// object.
func (b *Block) IsSparse() bool { return b.UID == nil }

// DeletionCandidate is a block_uid awaiting grace-period expiry before
// physical deletion (spec.md §3, §4.9).
type DeletionCandidate struct {
	UID        storage.BlockUID
	ProposedAt time.Time
}

// Lock is a named advisory lock row (spec.md §4.11).
type Lock struct {
	Scope      string
	Name       string
	Owner      string
	AcquiredAt time.Time
	Reason     string
}

// BlockCount returns ceil(size/blockSize), the dense block count invariant
// from spec.md §3 invariant 8.
func BlockCount(size, blockSize int64) int {
	if blockSize <= 0 {
		return 0
	}
	n := size / blockSize
	if size%blockSize != 0 {
		n++
	}
	return int(n)
}
