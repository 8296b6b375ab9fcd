// storage/file.go
// Adapted from storage/disk.go in the bk backup tool: the robust-writer and
// directory-layout conventions are kept, but the pack/index bookkeeping is
// gone since each block is already its own pair of named objects (see
// backend.go).

package storage

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fileStorage implements FileStorage against a plain directory tree.
type fileStorage struct {
	root string
}

// NewFile returns a Backend that stores objects as files under root. The
// directory is created if it does not already exist.
func NewFile(root string) (Backend, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("storage: %s: %w", root, err)
	}
	stat, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("storage: %s: not a directory", root)
	}
	return NewObjectBackend(&fileStorage{root: root}), nil
}

func (fs *fileStorage) String() string { return "file://" + fs.root }

func (fs *fileStorage) path(name string) string {
	return filepath.Join(fs.root, filepath.FromSlash(name))
}

// LocalPath exposes the real on-disk path backing name, for callers (namely
// bitrot.go) that need direct filesystem access. Only *fileStorage can
// satisfy this; cloud and memory backends have no local files to protect.
func (fs *fileStorage) LocalPath(name string) string { return fs.path(name) }

func (fs *fileStorage) CreateFile(name string) RobustWriteCloser {
	p := fs.path(name)
	if _, err := os.Stat(p); err == nil {
		panic(fsPanic{fmt.Errorf("storage: %s: already exists", name)})
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		panic(fsPanic{err})
	}
	f, err := os.OpenFile(p+".tmp", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		panic(fsPanic{err})
	}
	return &fileWriter{f: f, finalPath: p}
}

type fileWriter struct {
	f         *os.File
	finalPath string
	err       error
}

func (w *fileWriter) Write(b []byte) {
	if w.err != nil {
		return
	}
	if _, err := w.f.Write(b); err != nil {
		w.err = err
	}
}

func (w *fileWriter) Close() {
	if w.err == nil {
		w.err = w.f.Sync()
	}
	if cerr := w.f.Close(); w.err == nil {
		w.err = cerr
	}
	if w.err != nil {
		os.Remove(w.f.Name())
		panic(fsPanic{w.err})
	}
	if err := os.Rename(w.f.Name(), w.finalPath); err != nil {
		panic(fsPanic{err})
	}
}

func (fs *fileStorage) ReadFile(name string, offset, length int64) ([]byte, error) {
	p := fs.path(name)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	defer f.Close()

	if offset == 0 && length == 0 {
		return ioutil.ReadAll(f)
	}
	if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := f.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (fs *fileStorage) DeleteFile(name string) error {
	if err := os.Remove(fs.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (fs *fileStorage) ForFiles(prefix string, f func(name string, created time.Time)) error {
	root := fs.path(prefix)
	// prefix may name a directory (our two call sites always do: "blocks/"
	// and "named/...") or be a partial filename; walk from its directory
	// and filter by the full relative name.
	walkRoot := root
	if stat, err := os.Stat(root); err != nil || !stat.IsDir() {
		walkRoot = filepath.Dir(root)
	}

	return filepath.Walk(walkRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(fs.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		f(rel, info.ModTime())
		return nil
	})
}
