// transform/transform_test.go
// Adapted from the round-trip style of storage/storage_test.go: write
// random data through a transform (or chain), read it back, compare.
package transform

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	mrand "math/rand"
	"testing"
)

func randomBlock(n int) []byte {
	b := make([]byte, n)
	mrand.Read(b)
	return b
}

func TestZstdRoundTrip(t *testing.T) {
	z, err := NewZstd(3)
	if err != nil {
		t.Fatalf("NewZstd: %v", err)
	}

	for _, data := range [][]byte{
		bytes.Repeat([]byte{0}, 4<<20),
		randomBlock(4 << 20),
		[]byte("hello"),
		{},
	} {
		transformed, hdr, err := z.Forward(data)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		back, err := z.Inverse(transformed, hdr)
		if err != nil {
			t.Fatalf("Inverse: %v", err)
		}
		if !bytes.Equal(back, data) {
			t.Errorf("round trip mismatch: got %d bytes, want %d", len(back), len(data))
		}
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	masterKey := randomBlock(masterKeySize)
	a, err := NewAESGCM(masterKey)
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}

	data := randomBlock(1 << 20)
	transformed, hdr, err := a.Forward(data)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if bytes.Equal(transformed, data) {
		t.Errorf("ciphertext equals plaintext")
	}

	back, err := a.Inverse(transformed, hdr)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Errorf("round trip mismatch")
	}
}

func TestAESGCMWrongKeyFails(t *testing.T) {
	a1, _ := NewAESGCM(randomBlock(masterKeySize))
	a2, _ := NewAESGCM(randomBlock(masterKeySize))

	data := randomBlock(1024)
	transformed, hdr, err := a1.Forward(data)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if _, err := a2.Inverse(transformed, hdr); err == nil {
		t.Errorf("expected decryption under the wrong master key to fail")
	}
}

func TestChainZstdThenAESGCM(t *testing.T) {
	z, _ := NewZstd(3)
	a, _ := NewAESGCM(randomBlock(masterKeySize))
	chain := Chain{z, a}

	data := bytes.Repeat([]byte("benji"), 10000)
	transformed, headers, err := chain.Forward(data)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	back, err := chain.Inverse(transformed, headers)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Errorf("chain round trip mismatch")
	}
}

func TestKeyWrapRoundTrip(t *testing.T) {
	kek := randomBlock(32)
	plain := randomBlock(32)

	wrapped, err := keyWrap(kek, plain)
	if err != nil {
		t.Fatalf("keyWrap: %v", err)
	}
	if len(wrapped) != len(plain)+8 {
		t.Errorf("wrapped length %d, want %d", len(wrapped), len(plain)+8)
	}

	back, err := keyUnwrap(kek, wrapped)
	if err != nil {
		t.Fatalf("keyUnwrap: %v", err)
	}
	if !bytes.Equal(back, plain) {
		t.Errorf("unwrap mismatch")
	}
}

func TestKeyUnwrapDetectsTamper(t *testing.T) {
	kek := randomBlock(32)
	wrapped, _ := keyWrap(kek, randomBlock(32))
	wrapped[0] ^= 0xff

	if _, err := keyUnwrap(kek, wrapped); err == nil {
		t.Errorf("expected tamper detection to fail unwrap")
	}
}

type memoryKeyStore struct {
	objects map[string][]byte
}

func newMemoryKeyStore() *memoryKeyStore { return &memoryKeyStore{objects: map[string][]byte{}} }

func (m *memoryKeyStore) PutNamed(name string, data []byte) error {
	m.objects[name] = append([]byte(nil), data...)
	return nil
}
func (m *memoryKeyStore) GetNamed(name string) ([]byte, error) { return m.objects[name], nil }
func (m *memoryKeyStore) NamedExists(name string) bool         { _, ok := m.objects[name]; return ok }

func TestDeriveOrLoadMasterKeyIsStable(t *testing.T) {
	store := newMemoryKeyStore()

	k1, err := DeriveOrLoadMasterKey(store, "correct horse battery staple")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveOrLoadMasterKey(store, "correct horse battery staple")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Errorf("master key changed across reload")
	}

	if _, err := DeriveOrLoadMasterKey(store, "wrong passphrase"); err == nil {
		t.Errorf("expected wrong passphrase to fail")
	}
}

func TestAESGCMECCRoundTrip(t *testing.T) {
	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	rw, err := NewAESGCMECC(priv)
	if err != nil {
		t.Fatalf("NewAESGCMECC: %v", err)
	}

	data := randomBlock(64 * 1024)
	transformed, hdr, err := rw.Forward(data)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	back, err := rw.Inverse(transformed, hdr)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Errorf("round trip mismatch")
	}
}

func TestAESGCMECCWriteOnlyCannotDecrypt(t *testing.T) {
	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	writeOnly, err := NewAESGCMECCWriteOnly(curve, priv.PublicKey())
	if err != nil {
		t.Fatalf("NewAESGCMECCWriteOnly: %v", err)
	}

	data := randomBlock(1024)
	transformed, hdr, err := writeOnly.Forward(data)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if _, err := writeOnly.Inverse(transformed, hdr); err == nil {
		t.Errorf("expected write-only instance to fail decrypting")
	}

	full, err := NewAESGCMECC(priv)
	if err != nil {
		t.Fatalf("NewAESGCMECC: %v", err)
	}
	back, err := full.Inverse(transformed, hdr)
	if err != nil {
		t.Fatalf("Inverse with full key: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Errorf("round trip mismatch")
	}
}
