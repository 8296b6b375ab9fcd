package ioadapter

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileAdapterReadWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "volume.img")
	if err := os.WriteFile(path, make([]byte, 64), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	src, err := Open(ctx, "file://"+path, ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	size, err := src.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 64 {
		t.Errorf("Size() = %d, want 64", size)
	}

	payload := bytes.Repeat([]byte{0x42}, 16)
	if _, err := src.WriteAt(ctx, payload, 8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, 16)
	if _, err := src.ReadAt(ctx, got, 8); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadAt() = %v, want %v", got, payload)
	}

	if hints, err := src.Hints(ctx); err != nil || hints != nil {
		t.Errorf("Hints() = %v, %v; want nil, nil", hints, err)
	}
}

func TestFileAdapterDiscardZeroes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "volume.img")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xff}, 32), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	src, err := Open(ctx, "file://"+path, ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if err := src.Discard(ctx, 4, 8); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	got := make([]byte, 8)
	if _, err := src.ReadAt(ctx, got, 4); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 8)) {
		t.Errorf("region not zeroed after Discard: %v", got)
	}
}

func TestOpenUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "nope://x", ReadOnly); err == nil {
		t.Errorf("expected error for unregistered scheme")
	}
}

// fakeRawDevice is an in-memory RawDevice for exercising the rbd/iscsi URI
// parsing and delegation without real Ceph/iSCSI bindings.
type fakeRawDevice struct {
	buf    []byte
	closed bool
}

func (d *fakeRawDevice) Size(ctx context.Context) (int64, error) { return int64(len(d.buf)), nil }
func (d *fakeRawDevice) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return copy(p, d.buf[offset:]), nil
}
func (d *fakeRawDevice) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return copy(d.buf[offset:], p), nil
}
func (d *fakeRawDevice) Discard(ctx context.Context, offset, length int64) error {
	for i := offset; i < offset+length; i++ {
		d.buf[i] = 0
	}
	return nil
}
func (d *fakeRawDevice) DiffHints(ctx context.Context) ([]HintRegion, error) {
	return []HintRegion{{Offset: 0, Length: 16, Used: true}}, nil
}
func (d *fakeRawDevice) Close() error { d.closed = true; return nil }

func TestRBDAdapterDelegatesToRawDevice(t *testing.T) {
	dev := &fakeRawDevice{buf: make([]byte, 32)}
	SetRBDDialer(func(ctx context.Context, rawURI string, mode OpenMode) (RawDevice, error) {
		return dev, nil
	})
	defer SetRBDDialer(nil)

	ctx := context.Background()
	src, err := Open(ctx, "rbd://pool/image", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := src.WriteAt(ctx, []byte("hi"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 2)
	if _, err := src.ReadAt(ctx, got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hi" {
		t.Errorf("ReadAt() = %q, want %q", got, "hi")
	}

	hints, err := src.Hints(ctx)
	if err != nil {
		t.Fatalf("Hints: %v", err)
	}
	if hints == nil {
		t.Fatalf("expected non-nil hints from DiffHints")
	}
	region, ok, err := hints.Next()
	if err != nil || !ok {
		t.Fatalf("Next: %v, %v", ok, err)
	}
	if region.Length != 16 || !region.Used {
		t.Errorf("unexpected region: %+v", region)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !dev.closed {
		t.Errorf("expected underlying RawDevice to be closed")
	}
}

func TestRBDRequiresPoolAndImage(t *testing.T) {
	SetRBDDialer(func(ctx context.Context, rawURI string, mode OpenMode) (RawDevice, error) {
		return &fakeRawDevice{buf: make([]byte, 8)}, nil
	})
	defer SetRBDDialer(nil)

	if _, err := Open(context.Background(), "rbd://", ReadOnly); err == nil {
		t.Errorf("expected error for rbd URI missing pool/image")
	}
}

func TestRBDAIOSimultaneousReadsOption(t *testing.T) {
	dev := &fakeRawDevice{buf: make([]byte, 8)}
	SetRBDDialer(func(ctx context.Context, rawURI string, mode OpenMode) (RawDevice, error) {
		return dev, nil
	})
	defer SetRBDDialer(nil)

	src, err := Open(context.Background(), "rbdaio://pool/image?simultaneousReads=8", ReadOnly)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	aio, ok := src.(*rbdaioSource)
	if !ok {
		t.Fatalf("expected *rbdaioSource, got %T", src)
	}
	if aio.SimultaneousReads() != 8 {
		t.Errorf("SimultaneousReads() = %d, want 8", aio.SimultaneousReads())
	}
}
