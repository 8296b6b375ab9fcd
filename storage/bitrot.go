// storage/bitrot.go
//
// Wraps a local file Backend so every stored object also gets a
// Reed-Solomon parity file written alongside it, which VerifyFile checks on
// request; no scrub or cleanup pass calls VerifyFile. Only the file
// backend gets this treatment: cloud and memory backends have no local
// files to shard. The parity scheme (shard the file into nData pieces,
// compute nParity Reed-Solomon parity shards, hash every shard in
// hashRate-sized chunks so verification can localize which shard went bad) is
// github.com/klauspost/reedsolomon applied the same way the teacher's
// standalone rdso package did, folded directly into the backend that
// exercises it instead of living as a separate package and CLI tool.

package storage

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"
)

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

const rsSuffix = ".rs"

// parityHashSize is the width of the per-shard-chunk integrity hash.
const parityHashSize = 64

type parityHash [parityHashSize]byte

func hashShard(b []byte) parityHash {
	var h parityHash
	sha3.ShakeSum256(h[:], b)
	return h
}

// parityFile is the gob-encoded sidecar written next to every
// bitrot-protected stored object.
type parityFile struct {
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]parityHash // data shard hashes, then parity shard hashes
	ParityShards               [][]byte
}

// BitrotOptions configures the Reed-Solomon parity applied to each stored
// object.
type BitrotOptions struct {
	NDataShards   int
	NParityShards int
	// HashRate is the chunk size used for the shard-level integrity hashes
	// stored alongside the parity data.
	HashRate int64
}

func (o BitrotOptions) withDefaults() BitrotOptions {
	if o.NDataShards == 0 {
		o.NDataShards = 17
	}
	if o.NParityShards == 0 {
		o.NParityShards = 3
	}
	if o.HashRate == 0 {
		o.HashRate = 1024 * 1024
	}
	return o
}

type localPather interface {
	LocalPath(name string) string
}

// NewBitrotProtectedFile returns a Backend like NewFile, except every
// stored object also gets a Reed-Solomon parity file written alongside it.
func NewBitrotProtectedFile(root string, opt BitrotOptions) (Backend, error) {
	inner, err := NewFile(root)
	if err != nil {
		return nil, err
	}
	ob, ok := inner.(*objectBackend)
	if !ok {
		return nil, fmt.Errorf("storage: bitrot protection requires the file backend")
	}
	fs, ok := ob.fs.(localPather)
	if !ok {
		return nil, fmt.Errorf("storage: bitrot protection requires local file paths")
	}
	return NewObjectBackend(&bitrotFileStorage{
		FileStorage: ob.fs,
		local:       fs,
		opt:         opt.withDefaults(),
	}), nil
}

type bitrotFileStorage struct {
	FileStorage
	local localPather
	opt   BitrotOptions
}

func (b *bitrotFileStorage) CreateFile(name string) RobustWriteCloser {
	return &bitrotWriter{inner: b.FileStorage.CreateFile(name), b: b, name: name}
}

type bitrotWriter struct {
	inner RobustWriteCloser
	b     *bitrotFileStorage
	name  string
}

func (w *bitrotWriter) Write(b []byte) { w.inner.Write(b) }

func (w *bitrotWriter) Close() {
	w.inner.Close()

	path := w.b.local.LocalPath(w.name)
	opt := w.b.opt
	if err := encodeParityFile(path, path+rsSuffix, opt.NDataShards, opt.NParityShards, opt.HashRate); err != nil {
		panic(fsPanic{fmt.Errorf("storage: bitrot encode %s: %w", w.name, err)})
	}
}

func (b *bitrotFileStorage) DeleteFile(name string) error {
	path := b.local.LocalPath(name)
	rsErr := removeIfExists(path + rsSuffix)
	if err := b.FileStorage.DeleteFile(name); err != nil {
		return err
	}
	return rsErr
}

// VerifyFile checks the Reed-Solomon parity for the named object against a
// bitrot-protected file backend, recovering it in place when repair is
// requested. No scrub or cleanup pass calls it.
func VerifyFile(backend Backend, name string, repair bool) error {
	ob, ok := backend.(*objectBackend)
	if !ok {
		return fmt.Errorf("storage: %s: not a file backend", backend)
	}
	brfs, ok := ob.fs.(*bitrotFileStorage)
	if !ok {
		return fmt.Errorf("storage: %s: not bitrot-protected", backend)
	}
	path := brfs.local.LocalPath(name)
	return verifyOrRepairParityFile(path, path+rsSuffix, repair)
}

func encodeParityFile(fn, rsfn string, nDataShards, nParityShards int, hashRate int64) error {
	pf := parityFile{NDataShards: nDataShards, NParityShards: nParityShards, HashRate: hashRate}

	dataShards, size, err := readAndShardFile(fn, nDataShards)
	if err != nil {
		return err
	}
	pf.FileSize = size

	for i := 0; i < nParityShards; i++ {
		pf.ParityShards = append(pf.ParityShards, make([]byte, len(dataShards[0])))
	}

	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}
	allShards := append(dataShards, pf.ParityShards...)
	if err := enc.Encode(allShards); err != nil {
		return err
	}
	if ok, err := enc.Verify(allShards); !ok || err != nil {
		return fmt.Errorf("storage: bitrot: reed-solomon verify failed for %s: %w", fn, err)
	}

	for _, s := range dataShards {
		pf.Hashes = append(pf.Hashes, hashShards(splitIntoChunks(s, hashRate)))
	}
	for _, s := range pf.ParityShards {
		pf.Hashes = append(pf.Hashes, hashShards(splitIntoChunks(s, hashRate)))
	}

	fout, err := os.Create(rsfn)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(fout).Encode(pf); err != nil {
		fout.Close()
		return err
	}
	return fout.Close()
}

func readAndShardFile(fn string, nshards int) (shards [][]byte, size int64, err error) {
	f, err := os.Open(fn)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	size = fi.Size()

	shardSize := (fi.Size() + int64(nshards) - 1) / int64(nshards)
	buf := make([]byte, int64(nshards)*shardSize)

	if _, err = io.ReadFull(f, buf[:fi.Size()]); err != nil {
		return
	}
	buf = buf[:cap(buf)]

	shards = splitIntoChunks(buf, shardSize)
	return
}

func splitIntoChunks(b []byte, size int64) (chunks [][]byte) {
	for {
		if int64(len(b)) > size {
			chunks = append(chunks, b[:size])
			b = b[size:]
		} else {
			chunks = append(chunks, b)
			return
		}
	}
}

func hashShards(chunks [][]byte) (hashes []parityHash) {
	for _, c := range chunks {
		hashes = append(hashes, hashShard(c))
	}
	return
}

func verifyOrRepairParityFile(fn, rsfn string, repair bool) error {
	pf, err := readParityFile(rsfn)
	if err != nil {
		return err
	}

	dataShards, _, err := readAndShardFile(fn, pf.NDataShards)
	if err != nil {
		return err
	}

	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, splitIntoChunks(s, pf.HashRate))
	}
	for _, s := range pf.ParityShards {
		allShards = append(allShards, splitIntoChunks(s, pf.HashRate))
	}

	errs := 0
	nHashChunks := len(allShards[0])
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if hashShard(allShards[s][hc]) != pf.Hashes[s][hc] {
				if log != nil {
					kind, n := "data", s
					if s >= len(dataShards) {
						kind, n = "parity", s-len(dataShards)
					}
					if repair {
						log.Warning("%s: %s shard %d hash %d mismatch", fn, kind, n, hc)
					} else {
						log.Error("%s: %s shard %d hash %d mismatch", fn, kind, n, hc)
					}
				}
				errs++
				allShards[s][hc] = nil
			}
		}
	}

	if !repair || errs == 0 {
		if errs > 0 {
			return ErrStorageIntegrity
		}
		return nil
	}

	enc, err := reedsolomon.New(pf.NDataShards, pf.NParityShards)
	if err != nil {
		return err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		missing := 0
		var recon [][]byte
		for _, s := range allShards {
			recon = append(recon, s[hc])
			if s[hc] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err := enc.Reconstruct(recon); err != nil {
				return err
			}
		}
		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*pf.HashRate:], recon[s])
		}
	}

	f, err := os.Create(fn + ".recovered")
	if err != nil {
		return err
	}
	w := &limitedWriter{W: f, N: pf.FileSize}
	for _, s := range dataShards {
		if _, err := w.Write(s); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

func readParityFile(fn string) (parityFile, error) {
	var pf parityFile
	f, err := os.Open(fn)
	if err != nil {
		return pf, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&pf); err != nil {
		return pf, err
	}
	return pf, nil
}
