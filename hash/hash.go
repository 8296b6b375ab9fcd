// Package hash implements the block fingerprint used for deduplication.
//
// Adapted from storage.Hash/storage.HashBytes in the bk backup tool, which
// fixed the algorithm (SHAKE256) and size (32 bytes) at compile time. Benji
// needs the algorithm itself to be a repository-wide, persisted choice (see
// config.HashFunction), so this package turns it into a small named
// registry instead, in the same style as the transform and storage module
// registries (§4.3, §4.2 of SPEC_FULL.md).
package hash

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	sha256simd "github.com/minio/sha256-simd"
	"golang.org/x/crypto/blake2b"
)

// MaxSize is the largest digest size any registered Function can produce.
const MaxSize = 64

// Digest is a fixed-capacity fingerprint; Len reports how many of its bytes
// are significant for the Function that produced it.
type Digest struct {
	b   [MaxSize]byte
	len int
}

func newDigest(b []byte) Digest {
	var d Digest
	d.len = copy(d.b[:], b)
	return d
}

// FromBytes reconstructs a Digest from raw bytes previously produced by
// Digest.Bytes, e.g. a checksum loaded back out of metadata.Store. It does
// not hash b; it treats b as an already-computed digest.
func FromBytes(b []byte) Digest { return newDigest(b) }

// Bytes returns the significant bytes of the digest.
func (d Digest) Bytes() []byte { return d.b[:d.len] }

// String returns the digest hex-encoded, matching the "checksum": "<hex>"
// representation used by the version-metadata JSON schema (SPEC_FULL §6).
func (d Digest) String() string { return hex.EncodeToString(d.Bytes()) }

// Equal reports whether two digests have identical bytes.
func (d Digest) Equal(o Digest) bool {
	return d.len == o.len && hmac.Equal(d.Bytes(), o.Bytes())
}

// IsZero reports whether d was never assigned a value (the zero Digest is
// used to represent a sparse block's absent checksum).
func (d Digest) IsZero() bool { return d.len == 0 }

// Function computes Digests of a fixed size for one hash algorithm.
type Function interface {
	// Name is the canonical config string, e.g. "BLAKE2b,digest_bits=256".
	Name() string
	Size() int
	Sum(b []byte) Digest
}

type blake2bFunction struct{ size int }

func (f blake2bFunction) Name() string { return fmt.Sprintf("BLAKE2b,digest_bits=%d", f.size*8) }
func (f blake2bFunction) Size() int    { return f.size }
func (f blake2bFunction) Sum(b []byte) Digest {
	switch f.size {
	case 32:
		sum := blake2b.Sum256(b)
		return newDigest(sum[:])
	case 64:
		sum := blake2b.Sum512(b)
		return newDigest(sum[:])
	default:
		h, _ := blake2b.New(f.size, nil)
		h.Write(b)
		return newDigest(h.Sum(nil))
	}
}

// sha256simdFunction is an accelerated alternative (AVX2/SHA extensions),
// grounded on github.com/minio/sha256-simd as used by fingon-go-tfhfs.
// Offered as an explicit opt-in because it changes the repository's fixed
// hash algorithm (spec.md §4.6: "changing it after data exists is
// forbidden").
type sha256simdFunction struct{}

func (sha256simdFunction) Name() string { return "SHA256" }
func (sha256simdFunction) Size() int    { return sha256.Size }
func (sha256simdFunction) Sum(b []byte) Digest {
	sum := sha256simd.Sum256(b)
	return newDigest(sum[:])
}

// Default is the repository default per spec.md §6: "BLAKE2b,digest_bits=256".
var Default Function = blake2bFunction{size: 32}

// Parse resolves a config hashFunction string to a Function. Unknown names
// are a ConfigError-class failure (fatal at startup per spec.md §7).
func Parse(name string) (Function, error) {
	switch name {
	case "", "BLAKE2b,digest_bits=256":
		return blake2bFunction{size: 32}, nil
	case "BLAKE2b,digest_bits=512":
		return blake2bFunction{size: 64}, nil
	case "SHA256":
		return sha256simdFunction{}, nil
	default:
		return nil, fmt.Errorf("hash: unknown hash function %q", name)
	}
}

// IsAllZero reports whether b is entirely zero bytes, the test the backup
// pipeline uses to decide whether a block is sparse (spec.md §4.6 step 4).
func IsAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
