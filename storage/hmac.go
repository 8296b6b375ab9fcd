// storage/hmac.go
//
// Sidecar HMAC integrity (spec.md §4.5): when configured, every sidecar is
// signed with HMAC-SHA-256 over a canonical serialization of its fields.
// Pure crypto/hmac + crypto/sha256 — no ecosystem HMAC implementation
// appears anywhere in the retrieved corpus (DESIGN.md), the same
// "stdlib when nothing fits" posture the teacher takes with its own raw
// crypto/aes use in storage/encrypted.go.
package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

type hmacBackend struct {
	Backend
	key []byte
}

// NewHMACSigned wraps backend so every Put signs its sidecar with key and
// every Get/GetMetadata verifies the signature before returning it,
// treating a mismatch as storage.ErrStorageIntegrity (spec.md §4.5: "a
// mismatch is treated as corrupt").
func NewHMACSigned(backend Backend, key []byte) Backend {
	return &hmacBackend{Backend: backend, key: key}
}

func canonicalSidecar(sc Sidecar) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uid=%s;created=%s;modified=%s;transforms=%s;original_size=%d;transformed_size=%d;",
		sc.UID, sc.Created.UTC().Format("2006-01-02T15:04:05.999999999Z"),
		sc.Modified.UTC().Format("2006-01-02T15:04:05.999999999Z"),
		strings.Join(sc.Transforms, ","), sc.OriginalSize, sc.TransformedSize)
	keys := make([]string, 0, len(sc.TransformHeaders))
	for k := range sc.TransformHeaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "hdr[%s]=%s;", k, sc.TransformHeaders[k])
	}
	return sb.String()
}

func signSidecar(key []byte, sc Sidecar) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonicalSidecar(sc)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *hmacBackend) Put(uid BlockUID, data []byte, sidecar Sidecar) error {
	// Sign the sidecar as it will be stored, with its UID filled in.
	sidecar.UID = uid
	sidecar.HMAC = signSidecar(b.key, sidecar)
	return b.Backend.Put(uid, data, sidecar)
}

func (b *hmacBackend) verify(uid BlockUID, sc Sidecar) error {
	got := sc.HMAC
	sc.HMAC = ""
	want := signSidecar(b.key, sc)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return fmt.Errorf("%w: %s: sidecar HMAC mismatch", ErrStorageIntegrity, uid)
	}
	return nil
}

func (b *hmacBackend) Get(uid BlockUID) ([]byte, Sidecar, error) {
	data, sc, err := b.Backend.Get(uid)
	if err != nil {
		return nil, Sidecar{}, err
	}
	if err := b.verify(uid, sc); err != nil {
		return nil, Sidecar{}, err
	}
	return data, sc, nil
}

func (b *hmacBackend) GetMetadata(uid BlockUID) (Sidecar, error) {
	sc, err := b.Backend.GetMetadata(uid)
	if err != nil {
		return Sidecar{}, err
	}
	if err := b.verify(uid, sc); err != nil {
		return Sidecar{}, err
	}
	return sc, nil
}
