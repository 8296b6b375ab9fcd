// storage/filestorage.go
//
// FileStorage is the low-level key/value file abstraction that concrete
// storage modules (file, cloud) implement; objectBackend (backend.go)
// implements the public Backend interface once on top of any FileStorage.
// This split, and the RobustWriteCloser contract, are adapted directly from
// storage.FileStorage / storage.RobustWriteCloser in storage/packidx.go of
// the bk backup tool.

package storage

import "time"

// RobustWriteCloser is like io.WriteCloser, but treats any errors as fatal
// to the current operation (signaled by a panic carrying an error, which
// callers recover at the Backend method boundary) rather than returning
// them from every Write call. Write always writes all of b; after Close
// returns, the contents are durably committed.
type RobustWriteCloser interface {
	Write(b []byte)
	Close()
}

// FileStorage is a simple abstraction over a key/value object store.
type FileStorage interface {
	// CreateFile returns a RobustWriteCloser for a file with the given
	// name. A file with that name must not already exist.
	CreateFile(name string) RobustWriteCloser

	// ReadFile returns the contents of the named file, or its sub-range
	// [offset, offset+length) if length is non-zero.
	ReadFile(name string, offset, length int64) ([]byte, error)

	// DeleteFile removes the named file. Deleting a file that doesn't
	// exist is not an error.
	DeleteFile(name string) error

	// ForFiles calls f for every file under the given prefix, providing
	// its full name and creation time. Order is unspecified.
	ForFiles(prefix string, f func(name string, created time.Time)) error

	String() string
}

// fsPanic is the sentinel recovered at the Backend method boundary when a
// RobustWriteCloser implementation hits an unrecoverable I/O error.
type fsPanic struct{ err error }

func robust(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p, ok := r.(fsPanic); ok {
				err = p.err
				return
			}
			panic(r)
		}
	}()
	f()
	return nil
}
