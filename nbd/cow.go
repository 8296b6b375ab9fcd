package nbd

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// cowEntry records one dirtied block index, the unit written to the
// append-only log.
type cowEntry struct {
	Idx int
}

// cowStore is the copy-on-write dirty-block area for one read-write NBD
// export: one file per dirtied block index plus an append-only gob log of
// the write order, so the dirty set can be rebuilt if the server restarts
// mid-session. Grounded on storage/encrypted.go's toEncryptedLog: there
// the teacher accumulates (plaintext hash, encrypted hash) pairs in memory
// and gob-encodes the accumulated slice at SyncWrites; here each write is
// flushed immediately, since an NBD session can be killed without ever
// calling the equivalent of SyncWrites.
type cowStore struct {
	mu    sync.Mutex
	dir   string
	log   *os.File
	dirty map[int]bool
}

func newCOWStore(dir string) (*cowStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("nbd: cow store: %w", err)
	}
	s := &cowStore{dir: dir, dirty: map[int]bool{}}
	if err := s.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "writes.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("nbd: cow store: %w", err)
	}
	s.log = f
	return s, nil
}

func (s *cowStore) replay() error {
	f, err := os.Open(filepath.Join(s.dir, "writes.log"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("nbd: cow store: replay: %w", err)
	}
	defer f.Close()
	// Put encodes each record with its own gob.Encoder, so every record
	// carries its own type definition and needs its own Decoder.
	br := bufio.NewReader(f)
	for {
		var e cowEntry
		if err := gob.NewDecoder(br).Decode(&e); err != nil {
			break // EOF, or a truncated trailing record from an unclean shutdown
		}
		s.dirty[e.Idx] = true
	}
	return nil
}

func (s *cowStore) blockPath(idx int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%012d.blk", idx))
}

// Get returns the dirtied content of block idx, if this session (or a
// prior one replayed from the log) has written it.
func (s *cowStore) Get(idx int) ([]byte, bool, error) {
	s.mu.Lock()
	dirty := s.dirty[idx]
	s.mu.Unlock()
	if !dirty {
		return nil, false, nil
	}
	data, err := os.ReadFile(s.blockPath(idx))
	if err != nil {
		return nil, false, fmt.Errorf("nbd: cow store: read block %d: %w", idx, err)
	}
	return data, true, nil
}

// Put stores the full new content of block idx and records the write.
func (s *cowStore) Put(idx int, data []byte) error {
	if err := os.WriteFile(s.blockPath(idx), data, 0600); err != nil {
		return fmt.Errorf("nbd: cow store: write block %d: %w", idx, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty[idx] {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cowEntry{Idx: idx}); err != nil {
		return fmt.Errorf("nbd: cow store: encode log entry: %w", err)
	}
	if _, err := s.log.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("nbd: cow store: append log: %w", err)
	}
	s.dirty[idx] = true
	return nil
}

// DirtyIndices returns every block index dirtied this session, ascending.
func (s *cowStore) DirtyIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.dirty))
	for idx := range s.dirty {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func (s *cowStore) Close() error {
	return s.log.Close()
}

// removeAll discards the COW area once it has been fixated into a Version.
func (s *cowStore) removeAll() error {
	return os.RemoveAll(s.dir)
}
