// storage/memory.go
// Adapted from storage/memory.go in the bk backup tool: an in-process
// FileStorage for tests, now storing whole named objects instead of a
// content-addressed chunk map.

package storage

import (
	"fmt"
	"sync"
	"time"
)

type memoryFile struct {
	data    []byte
	created time.Time
}

type memoryStorage struct {
	mu    sync.Mutex
	files map[string]memoryFile
	now   func() time.Time
}

// NewMemory returns a Backend backed entirely by an in-process map, for
// tests and for the `memory` storage module.
func NewMemory() Backend {
	return NewObjectBackend(&memoryStorage{
		files: make(map[string]memoryFile),
		now:   time.Now,
	})
}

func (m *memoryStorage) String() string { return "memory" }

func (m *memoryStorage) CreateFile(name string) RobustWriteCloser {
	return &memoryWriter{m: m, name: name}
}

type memoryWriter struct {
	m    *memoryStorage
	name string
	buf  []byte
}

func (w *memoryWriter) Write(b []byte) { w.buf = append(w.buf, b...) }

func (w *memoryWriter) Close() {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	if _, ok := w.m.files[w.name]; ok {
		panic(fsPanic{fmt.Errorf("storage: %s: already exists", w.name)})
	}
	w.m.files[w.name] = memoryFile{data: w.buf, created: w.m.now()}
}

func (m *memoryStorage) ReadFile(name string, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if offset == 0 && length == 0 {
		out := make([]byte, len(f.data))
		copy(out, f.data)
		return out, nil
	}
	end := offset + length
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	return append([]byte(nil), f.data[offset:end]...), nil
}

func (m *memoryStorage) DeleteFile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

func (m *memoryStorage) ForFiles(prefix string, f func(name string, created time.Time)) error {
	m.mu.Lock()
	type entry struct {
		name    string
		created time.Time
	}
	var entries []entry
	for name, file := range m.files {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			entries = append(entries, entry{name, file.created})
		}
	}
	m.mu.Unlock()

	for _, e := range entries {
		f(e.name, e.created)
	}
	return nil
}
