// Package transform implements the named, ordered transform chain applied
// to block data before it reaches a storage.Backend (SPEC_FULL.md §4.3).
//
// Generalized from the compress-then-encrypt decorator stack in
// storage/compressed.go and storage/encrypted.go of the bk backup tool:
// there, compression and encryption were each a Backend wrapping another
// Backend. Benji needs the applied set to be a per-repository, named,
// persisted choice (spec.md's registry-by-name design note), so the same
// idea is turned into a slice of Transform values applied to a []byte
// in order, independent of storage.
package transform

import "fmt"

// Transform turns plaintext block bytes into their stored representation
// and back. Forward must be deterministic in its output size accounting
// (storage.Sidecar.TransformedSize) but is not required to be
// deterministic byte-for-byte (encryption transforms use a fresh nonce
// per call).
type Transform interface {
	// Name is the persisted identifier stored in a block's Sidecar so a
	// later restore knows which transforms (and in which order) to
	// reverse, per spec.md §6's "transforms": [...] sidecar field.
	Name() string

	// Forward applies the transform, returning the transformed bytes and
	// any header material that must be persisted alongside the block
	// (e.g. the wrapped per-block data key) rather than reconstructible
	// from repository-wide config alone.
	Forward(plaintext []byte) (transformed []byte, header []byte, err error)

	// Inverse reverses Forward given the previously stored header.
	Inverse(transformed []byte, header []byte) (plaintext []byte, err error)
}

// Chain applies a sequence of Transforms in order on Forward, and in
// reverse order on Inverse, matching spec.md §6's transforms list
// semantics ("applied in list order when writing, reversed when reading").
type Chain []Transform

// Forward applies every transform in the chain in order, returning the
// final transformed bytes and a header per transform, keyed by name.
func (c Chain) Forward(plaintext []byte) ([]byte, map[string][]byte, error) {
	headers := make(map[string][]byte, len(c))
	data := plaintext
	for _, t := range c {
		out, hdr, err := t.Forward(data)
		if err != nil {
			return nil, nil, fmt.Errorf("transform: %s: %w", t.Name(), err)
		}
		data = out
		if hdr != nil {
			headers[t.Name()] = hdr
		}
	}
	return data, headers, nil
}

// Inverse reverses every transform in the chain in reverse order.
func (c Chain) Inverse(transformed []byte, headers map[string][]byte) ([]byte, error) {
	data := transformed
	for i := len(c) - 1; i >= 0; i-- {
		t := c[i]
		out, err := t.Inverse(data, headers[t.Name()])
		if err != nil {
			return nil, fmt.Errorf("transform: %s: %w", t.Name(), err)
		}
		data = out
	}
	return data, nil
}

// Names returns the chain's transform names in application order, for
// persisting into a block's Sidecar.
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, t := range c {
		names[i] = t.Name()
	}
	return names
}
