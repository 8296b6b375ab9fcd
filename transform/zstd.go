// transform/zstd.go
//
// Compression transform. Grounded on storage/compressed.go's
// compress-if-smaller shape (a leading flag byte selects compressed vs.
// passthrough), replacing the teacher's compress/gzip + sync.Pool of
// *gzip.Writer/*gzip.Reader with github.com/klauspost/compress/zstd, since
// spec.md §6 requires dictionary support gzip doesn't have.

package transform

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	flagStored byte = 0
	flagZstd   byte = 1
)

type zstdTransform struct {
	level zstd.EncoderLevel
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewZstd returns a Transform named "zstd" that compresses block data,
// falling back to storing it uncompressed when compression doesn't shrink
// it (mirroring the teacher's compressed.Write: never pay decompression
// cost for data that didn't benefit).
func NewZstd(level int) (Transform, error) {
	lvl := zstd.EncoderLevelFromZstd(level)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
	if err != nil {
		return nil, fmt.Errorf("transform: zstd: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("transform: zstd: %w", err)
	}
	return &zstdTransform{level: lvl, enc: enc, dec: dec}, nil
}

func (z *zstdTransform) Name() string { return "zstd" }

func (z *zstdTransform) Forward(plaintext []byte) ([]byte, []byte, error) {
	compressed := z.enc.EncodeAll(plaintext, nil)
	if len(compressed) >= len(plaintext) {
		return append([]byte{flagStored}, plaintext...), nil, nil
	}
	return append([]byte{flagZstd}, compressed...), nil, nil
}

func (z *zstdTransform) Inverse(transformed []byte, _ []byte) ([]byte, error) {
	if len(transformed) == 0 {
		return nil, fmt.Errorf("transform: zstd: empty input")
	}
	flag, body := transformed[0], transformed[1:]
	switch flag {
	case flagStored:
		return append([]byte(nil), body...), nil
	case flagZstd:
		out, err := z.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("transform: zstd: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("transform: zstd: unknown flag byte %d", flag)
	}
}
