package hash

import "testing"

func TestDefaultIsBlake2b256(t *testing.T) {
	if Default.Name() != "BLAKE2b,digest_bits=256" {
		t.Errorf("Default.Name() = %q", Default.Name())
	}
	if Default.Size() != 32 {
		t.Errorf("Default.Size() = %d, want 32", Default.Size())
	}
}

func TestSumDeterministic(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	d1 := Default.Sum(data)
	d2 := Default.Sum(data)
	if !d1.Equal(d2) {
		t.Errorf("Sum() not deterministic: %s != %s", d1, d2)
	}
}

func TestSumDiffersOnDifferentInput(t *testing.T) {
	d1 := Default.Sum([]byte("a"))
	d2 := Default.Sum([]byte("b"))
	if d1.Equal(d2) {
		t.Errorf("different inputs produced equal digests")
	}
}

func TestParseKnownFunctions(t *testing.T) {
	cases := []struct {
		name     string
		wantSize int
	}{
		{"", 32},
		{"BLAKE2b,digest_bits=256", 32},
		{"BLAKE2b,digest_bits=512", 64},
		{"SHA256", 32},
	}
	for _, c := range cases {
		f, err := Parse(c.name)
		if err != nil {
			t.Errorf("Parse(%q): %v", c.name, err)
			continue
		}
		if f.Size() != c.wantSize {
			t.Errorf("Parse(%q).Size() = %d, want %d", c.name, f.Size(), c.wantSize)
		}
	}
}

func TestParseUnknownFunction(t *testing.T) {
	if _, err := Parse("rot13"); err == nil {
		t.Errorf("expected error for unknown hash function")
	}
}

func TestIsAllZero(t *testing.T) {
	if !IsAllZero(make([]byte, 4<<20)) {
		t.Errorf("IsAllZero() = false for zero buffer")
	}
	buf := make([]byte, 4<<20)
	buf[len(buf)-1] = 1
	if IsAllZero(buf) {
		t.Errorf("IsAllZero() = true for non-zero buffer")
	}
	if !IsAllZero(nil) {
		t.Errorf("IsAllZero(nil) = false, want true")
	}
}

func TestDigestZeroValue(t *testing.T) {
	var d Digest
	if !d.IsZero() {
		t.Errorf("zero Digest.IsZero() = false")
	}
	sum := Default.Sum([]byte("x"))
	if sum.IsZero() {
		t.Errorf("non-zero Digest.IsZero() = true")
	}
}
