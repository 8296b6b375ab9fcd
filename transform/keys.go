// transform/keys.go
//
// Master-key derivation and RFC 3394 key wrapping shared by the aes_256_gcm
// and aes_256_gcm_ecc transforms. Derivation is grounded on
// storage/encrypted.go's generateKey/getEncryptionKey (PBKDF2 over a
// passphrase, first half of the derived key used to confirm the passphrase,
// second half used to protect the real key) changed from SHA-256 to
// SHA-512 per spec.md §6's "keyDerivationFunction: PBKDF2-SHA-512".
package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Rounds  = 65536
	masterKeySize = 32 // AES-256
)

// KeyMaterialStore is the minimal named-object surface a Transform needs to
// persist and retrieve key material. storage.Backend satisfies this
// directly.
type KeyMaterialStore interface {
	PutNamed(name string, data []byte) error
	GetNamed(name string) ([]byte, error)
	NamedExists(name string) bool
}

const masterKeyObjectName = "encryption/master-key.txt"

// DeriveOrLoadMasterKey returns the repository's AES-256 master key,
// generating and persisting one (wrapped under the passphrase) the first
// time it's called against a fresh store, and unwrapping the stored one on
// every subsequent call. Mirrors storage/encrypted.go's
// generateKey/getEncryptionKey split.
func DeriveOrLoadMasterKey(store KeyMaterialStore, passphrase string) ([]byte, error) {
	if store.NamedExists(masterKeyObjectName) {
		raw, err := store.GetNamed(masterKeyObjectName)
		if err != nil {
			return nil, fmt.Errorf("transform: load master key: %w", err)
		}
		return unwrapMasterKey(raw, passphrase)
	}

	masterKey := randomBytes(masterKeySize)
	raw, err := wrapMasterKey(masterKey, passphrase)
	if err != nil {
		return nil, err
	}
	if err := store.PutNamed(masterKeyObjectName, raw); err != nil {
		return nil, fmt.Errorf("transform: store master key: %w", err)
	}
	return masterKey, nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(fmt.Errorf("transform: reading random bytes: %w", err))
	}
	return b
}

func wrapMasterKey(masterKey []byte, passphrase string) ([]byte, error) {
	salt := randomBytes(32)
	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, 64, sha512.New)
	confirmHash, keyEncryptKey := derived[:32], derived[32:]

	wrapped, err := keyWrap(keyEncryptKey, masterKey)
	if err != nil {
		return nil, fmt.Errorf("transform: wrapping master key: %w", err)
	}

	line := hex.EncodeToString(salt) + "\n" +
		hex.EncodeToString(confirmHash) + "\n" +
		hex.EncodeToString(wrapped) + "\n"
	return []byte(line), nil
}

func unwrapMasterKey(raw []byte, passphrase string) ([]byte, error) {
	var saltHex, confirmHex, wrappedHex string
	if _, err := fmt.Sscanf(string(raw), "%s\n%s\n%s\n", &saltHex, &confirmHex, &wrappedHex); err != nil {
		return nil, fmt.Errorf("transform: malformed master key object: %w", err)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, err
	}
	wantConfirm, err := hex.DecodeString(confirmHex)
	if err != nil {
		return nil, err
	}
	wrapped, err := hex.DecodeString(wrappedHex)
	if err != nil {
		return nil, err
	}

	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, 64, sha512.New)
	gotConfirm, keyEncryptKey := derived[:32], derived[32:]

	if subtle.ConstantTimeCompare(gotConfirm, wantConfirm) != 1 {
		return nil, fmt.Errorf("transform: incorrect passphrase")
	}

	masterKey, err := keyUnwrap(keyEncryptKey, wrapped)
	if err != nil {
		return nil, fmt.Errorf("transform: unwrapping master key: %w", err)
	}
	return masterKey, nil
}

// rfc3394IV is the fixed 64-bit initial value prescribed by RFC 3394 §2.2.3.1.
var rfc3394IV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// keyWrap implements the RFC 3394 AES key wrap algorithm. No ecosystem
// implementation of key wrap was found anywhere in the retrieved corpus
// (see DESIGN.md); this is a direct, from-the-RFC implementation rather
// than a vendored dependency.
func keyWrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) < 16 {
		return nil, fmt.Errorf("key wrap: plaintext length %d must be a multiple of 8, >= 16", len(plaintext))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(plaintext) / 8
	r := make([][]byte, n)
	for i := range r {
		r[i] = append([]byte(nil), plaintext[i*8:(i+1)*8]...)
	}

	a := append([]byte(nil), rfc3394IV[:]...)
	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 0; i < n; i++ {
			copy(buf[:8], a)
			copy(buf[8:], r[i])
			block.Encrypt(buf, buf)

			t := uint64(n*j + i + 1)
			a = xorCounter(buf[:8], t)
			r[i] = append([]byte(nil), buf[8:]...)
		}
	}

	out := make([]byte, 0, 8+len(plaintext))
	out = append(out, a...)
	for _, blk := range r {
		out = append(out, blk...)
	}
	return out, nil
}

func keyUnwrap(kek, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%8 != 0 || len(ciphertext) < 24 {
		return nil, fmt.Errorf("key unwrap: ciphertext length %d invalid", len(ciphertext))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(ciphertext)/8 - 1
	a := append([]byte(nil), ciphertext[:8]...)
	r := make([][]byte, n)
	for i := range r {
		r[i] = append([]byte(nil), ciphertext[8+i*8:8+(i+1)*8]...)
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n - 1; i >= 0; i-- {
			t := uint64(n*j + i + 1)
			copy(buf[:8], xorCounter(a, t))
			copy(buf[8:], r[i])
			block.Decrypt(buf, buf)

			a = append([]byte(nil), buf[:8]...)
			r[i] = append([]byte(nil), buf[8:]...)
		}
	}

	if subtle.ConstantTimeCompare(a, rfc3394IV[:]) != 1 {
		return nil, fmt.Errorf("key unwrap: integrity check failed")
	}

	out := make([]byte, 0, n*8)
	for _, blk := range r {
		out = append(out, blk...)
	}
	return out, nil
}

func xorCounter(a []byte, t uint64) []byte {
	out := append([]byte(nil), a...)
	for i := 0; i < 8; i++ {
		out[7-i] ^= byte(t >> (8 * uint(i)))
	}
	return out
}

// newGCM is a small shared helper for aes_gcm.go and aes_gcm_ecc.go.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
