// transform/aes_gcm_ecc.go
//
// Asymmetric envelope encryption for write-only instances (spec.md §6:
// "a backup client holding only the public key must be able to write new
// versions without being able to read any existing block"). Not present in
// the teacher at all; grounded on the same PBKDF2/per-block-key shape as
// aes_gcm.go, generalized to ECIES using crypto/ecdh (NIST P-256/P-384/
// P-521) and golang.org/x/crypto/hkdf, the same x/crypto family the
// teacher already depends on for pbkdf2.
package transform

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

type aesGCMECCTransform struct {
	curve      ecdh.Curve
	privateKey *ecdh.PrivateKey // nil for write-only instances
	publicKey  *ecdh.PublicKey
}

// NewAESGCMECC returns a Transform named "aes_256_gcm_ecc" for a read-write
// instance: privateKey is used both to encrypt (via its own public half)
// and to decrypt existing blocks.
func NewAESGCMECC(privateKey *ecdh.PrivateKey) (Transform, error) {
	return &aesGCMECCTransform{
		curve:      privateKey.Curve(),
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
	}, nil
}

// NewAESGCMECCWriteOnly returns a Transform that can encrypt new blocks
// from publicKey alone. Any attempt to Inverse (restore) returns an error;
// such an instance is only usable for backup, never restore, matching
// spec.md §6's write-only key mode.
func NewAESGCMECCWriteOnly(curve ecdh.Curve, publicKey *ecdh.PublicKey) (Transform, error) {
	return &aesGCMECCTransform{curve: curve, publicKey: publicKey}, nil
}

func (a *aesGCMECCTransform) Name() string { return "aes_256_gcm_ecc" }

// Forward implements ECIES: generate an ephemeral key pair, ECDH with the
// repository's static public key, HKDF-derive a data key from the shared
// secret, then AES-GCM encrypt as in aes_gcm.go. The ephemeral public key
// travels in the header so Inverse can redo the ECDH step.
func (a *aesGCMECCTransform) Forward(plaintext []byte) ([]byte, []byte, error) {
	ephemeral, err := a.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	shared, err := ephemeral.ECDH(a.publicKey)
	if err != nil {
		return nil, nil, err
	}
	dataKey, err := deriveDataKey(shared, a.publicKey.Bytes())
	if err != nil {
		return nil, nil, err
	}

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	ephPub := ephemeral.PublicKey().Bytes()
	header := make([]byte, 0, 1+len(ephPub)+len(nonce))
	header = append(header, byte(len(ephPub)))
	header = append(header, ephPub...)
	header = append(header, nonce...)

	return ciphertext, header, nil
}

func (a *aesGCMECCTransform) Inverse(transformed []byte, header []byte) ([]byte, error) {
	if a.privateKey == nil {
		return nil, fmt.Errorf("transform: aes_256_gcm_ecc: write-only instance cannot decrypt")
	}
	if len(header) < 1 {
		return nil, fmt.Errorf("transform: aes_256_gcm_ecc: missing header")
	}
	ephLen := int(header[0])
	if len(header) < 1+ephLen {
		return nil, fmt.Errorf("transform: aes_256_gcm_ecc: truncated header")
	}
	ephPubBytes := header[1 : 1+ephLen]
	nonce := header[1+ephLen:]

	ephPub, err := a.curve.NewPublicKey(ephPubBytes)
	if err != nil {
		return nil, fmt.Errorf("transform: aes_256_gcm_ecc: %w", err)
	}
	shared, err := a.privateKey.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("transform: aes_256_gcm_ecc: %w", err)
	}
	dataKey, err := deriveDataKey(shared, a.publicKey.Bytes())
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, transformed, nil)
	if err != nil {
		return nil, fmt.Errorf("transform: aes_256_gcm_ecc: authentication failed: %w", err)
	}
	return plaintext, nil
}

func deriveDataKey(shared, info []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, shared, nil, info)
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("transform: aes_256_gcm_ecc: hkdf: %w", err)
	}
	return key, nil
}
