// Package storage implements the Storage adapter capability set from
// SPEC_FULL.md §4.2: put/get/delete of the two objects (data + metadata
// sidecar) that make up a stored block, across pluggable backends.
//
// The split mirrors the teacher's storage.Backend / storage.FileStorage
// split in the bk tool (storage/storage.go, storage/packidx.go): a small
// Backend interface that the rest of the engine talks to, implemented once
// in terms of a lower-level FileStorage interface that each concrete
// backend (file, cloud) satisfies. The teacher's FileStorage bundled many
// small content-addressed chunks into shared pack files because its chunks
// could be a few bytes each; Benji's blocks are whole fixed-size pieces of
// a volume (default 4 MiB, spec.md §6), so there is no packing to do here —
// each block simply becomes its own pair of objects.
package storage

import (
	"errors"
	"fmt"
	"io"
	"time"

	u "github.com/benji-backup/benji/util"
)

var (
	ErrNotFound         = errors.New("storage: object not found")
	ErrAlreadyExists    = errors.New("storage: object already exists")
	ErrStorageIntegrity = errors.New("storage: integrity check failed")
)

// log is shared by every concrete FileStorage implementation in this
// package (file.go, cloud.go), the same package-global logger the teacher
// uses in storage/storage.go rather than threading a Logger through every
// constructor.
var log *u.Logger

// SetLogger installs the Logger used by this package's backends. Must be
// called before constructing any Backend.
func SetLogger(l *u.Logger) {
	log = l
}

// BlockUID identifies a stored object pair (data + sidecar) on a Storage,
// per spec.md §3: "block_uid = (left, right) [pair of integers]".
type BlockUID struct {
	Left, Right int64
}

func (u BlockUID) String() string {
	return fmt.Sprintf("%016x-%016x", uint64(u.Left), uint64(u.Right))
}

// IsZero reports whether u is the zero value, used to represent "no
// object" for sparse blocks.
func (u BlockUID) IsZero() bool { return u.Left == 0 && u.Right == 0 }

// Sidecar is the metadata object accompanying every stored data object
// (spec.md §6, schema 2.0.0).
type Sidecar struct {
	UID              BlockUID          `json:"uid"`
	Created          time.Time         `json:"created"`
	Modified         time.Time         `json:"modified"`
	Transforms       []string          `json:"transforms"`
	OriginalSize     int64             `json:"original_size"`
	TransformedSize  int64             `json:"transformed_size"`
	HMAC             string            `json:"hmac,omitempty"`
	TransformHeaders map[string]string `json:"transform_headers,omitempty"`
}

// Backend is the capability set a storage module exposes, keyed by
// BlockUID. Implementations must be safe for concurrent use by multiple
// pipeline workers (spec.md §5): internally they serialize as needed.
type Backend interface {
	// String names the backend instance, e.g. for log messages.
	String() string

	// Put durably stores data under uid along with its sidecar. Put must
	// not return until both objects have reached durable storage (no
	// separate SyncWrites step, unlike the teacher's Backend, since Benji's
	// commit unit is a single block, not a buffered pack file).
	Put(uid BlockUID, data []byte, sidecar Sidecar) error

	// Get fetches the data object and its verified sidecar. If an HMAC key
	// is configured and the sidecar fails verification, Get returns
	// ErrStorageIntegrity wrapped with the object UID.
	Get(uid BlockUID) ([]byte, Sidecar, error)

	// GetMetadata fetches just the sidecar, without the data object.
	GetMetadata(uid BlockUID) (Sidecar, error)

	// Delete removes both objects for uid. Deleting a uid that doesn't
	// exist is not an error (cleanup is idempotent, spec.md §5).
	Delete(uid BlockUID) error

	// List lazily enumerates all block UIDs currently stored, for orphan
	// sweeps (spec.md §4.9) and full fsck.
	List() (Iterator, error)

	// PutNamed/GetNamed/NamedExists/ListNamed manage objects that are
	// addressed directly by name rather than by BlockUID: version-metadata
	// backups (spec.md §4.4) and encryption key material (spec.md §4.3).
	PutNamed(name string, data []byte) error
	GetNamed(name string) ([]byte, error)
	NamedExists(name string) bool
	ListNamed(prefix string) ([]string, error)
}

// Iterator lazily yields BlockUIDs, per the memory-discipline requirement
// in spec.md §5 ("block lists must never be materialized in full").
type Iterator interface {
	Next() (BlockUID, bool, error)
	Close() error
}

// readerAndCloser pairs an io.Reader with an unrelated io.Closer, the same
// small helper the teacher defines in storage/storage.go and
// storage/encrypted.go.
type readerAndCloser struct {
	io.Reader
	io.Closer
}
