package nbd

import (
	"bytes"
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/benji-backup/benji/hash"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
	"github.com/benji-backup/benji/transform"
	u "github.com/benji-backup/benji/util"
)

func newTestExport(t *testing.T, readOnly bool) (*Export, *metadata.SQLStore, storage.Backend, *metadata.Version) {
	t.Helper()
	store, err := metadata.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	backend := storage.NewMemory()
	ctx := context.Background()

	blockSize := int64(16)
	blockA := bytes.Repeat([]byte{0xAA}, int(blockSize))
	blockB := bytes.Repeat([]byte{0xBB}, int(blockSize))

	v := &metadata.Version{
		UID: "V1", Volume: "vol", BlockSize: blockSize, Size: 2 * blockSize,
		Status: metadata.StatusValid, Storage: "default",
	}
	if err := store.CreateVersion(ctx, v); err != nil {
		t.Fatal(err)
	}

	var blocks []*metadata.Block
	for idx, data := range [][]byte{blockA, blockB} {
		digest := hash.Default.Sum(data)
		uid, err := store.NextBlockUID(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := backend.Put(uid, data, storage.Sidecar{TransformedSize: blockSize}); err != nil {
			t.Fatal(err)
		}
		blocks = append(blocks, &metadata.Block{
			VersionUID: v.UID, Idx: idx, Size: blockSize, Checksum: digest.Bytes(), UID: &uid, Valid: true,
		})
	}
	if err := store.InsertBlocks(ctx, blocks); err != nil {
		t.Fatal(err)
	}

	cowDir := ""
	if !readOnly {
		dir, err := os.MkdirTemp("", "benji-nbd-cow-")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { os.RemoveAll(dir) })
		cowDir = dir
	}

	backends := map[string]storage.Backend{"default": backend}
	chains := map[string]transform.Chain{"default": nil}

	exp, err := NewExport(ctx, store, backends, chains, nil, v.UID, readOnly, cowDir, u.NewLogger(false, false))
	if err != nil {
		t.Fatalf("NewExport: %v", err)
	}
	t.Cleanup(func() { exp.Close() })
	return exp, store, backend, v
}

func TestExportReadAtAcrossBlocks(t *testing.T) {
	exp, _, _, _ := newTestExport(t, true)
	ctx := context.Background()

	data, err := exp.ReadAt(ctx, 8, 16)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := append(bytes.Repeat([]byte{0xAA}, 8), bytes.Repeat([]byte{0xBB}, 8)...)
	if !bytes.Equal(data, want) {
		t.Fatalf("ReadAt = %x, want %x", data, want)
	}
}

func TestExportWriteAtIsCopyOnWrite(t *testing.T) {
	exp, store, backend, v := newTestExport(t, false)
	ctx := context.Background()

	if err := exp.WriteAt(ctx, 0, bytes.Repeat([]byte{0xFF}, 16)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	data, err := exp.ReadAt(ctx, 0, 16)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{0xFF}, 16)) {
		t.Fatalf("ReadAt after write = %x", data)
	}

	// The original Version's stored block must be untouched.
	orig, err := store.GetBlock(ctx, v.UID, 0)
	if err != nil {
		t.Fatal(err)
	}
	stored, _, err := backend.Get(*orig.UID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, bytes.Repeat([]byte{0xAA}, 16)) {
		t.Fatalf("original block mutated by COW write")
	}

	cow, err := exp.Fixate(ctx)
	if err != nil {
		t.Fatalf("Fixate: %v", err)
	}
	if cow == nil {
		t.Fatalf("expected a fixated Version")
	}
	if !cow.Protected {
		t.Fatalf("fixated Version must be protected")
	}

	b0, err := store.GetBlock(ctx, cow.UID, 0)
	if err != nil {
		t.Fatal(err)
	}
	b1, err := store.GetBlock(ctx, cow.UID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if b0.UID == nil || orig.UID == nil || *b0.UID == *orig.UID {
		t.Fatalf("block 0 should be a new object after fixation")
	}
	origB1, err := store.GetBlock(ctx, v.UID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if b1.UID == nil || origB1.UID == nil || *b1.UID != *origB1.UID {
		t.Fatalf("block 1 should have inherited the original object unchanged")
	}
}

func TestFixateWithNoWritesReturnsNil(t *testing.T) {
	exp, _, _, _ := newTestExport(t, false)
	cow, err := exp.Fixate(context.Background())
	if err != nil {
		t.Fatalf("Fixate: %v", err)
	}
	if cow != nil {
		t.Fatalf("expected no fixated Version when nothing was written")
	}
}

// TestServerHandshakeAndRead drives a real TCP connection through the
// fixed newstyle handshake and one NBD_CMD_READ, exercising Server end to
// end rather than just its Export helper methods.
func TestServerHandshakeAndRead(t *testing.T) {
	exp, _, _, v := newTestExport(t, true)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := NewServer(func(ctx context.Context, name string) (*Export, error) {
		return exp, nil
	}, u.NewLogger(false, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Server preamble.
	var magic, optMagic uint64
	if err := readUint64(conn, &magic); err != nil || magic != magicNBD {
		t.Fatalf("server magic: %v %#x", err, magic)
	}
	if err := readUint64(conn, &optMagic); err != nil || optMagic != optionMagic {
		t.Fatalf("option magic: %v %#x", err, optMagic)
	}
	var hflags uint16
	if err := readUint16(conn, &hflags); err != nil {
		t.Fatalf("handshake flags: %v", err)
	}

	// Client flags, then NBD_OPT_EXPORT_NAME.
	if err := writeUint32(conn, clientFlagFixedNewstyle|clientFlagNoZeroes); err != nil {
		t.Fatal(err)
	}
	name := v.UID
	if err := writeUint64(conn, optionMagic); err != nil {
		t.Fatal(err)
	}
	if err := writeUint32(conn, optExportName); err != nil {
		t.Fatal(err)
	}
	if err := writeUint32(conn, uint32(len(name))); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte(name)); err != nil {
		t.Fatal(err)
	}

	var size uint64
	if err := readUint64(conn, &size); err != nil {
		t.Fatalf("export size: %v", err)
	}
	if int64(size) != v.Size {
		t.Fatalf("export size = %d, want %d", size, v.Size)
	}
	var tflags uint16
	if err := readUint16(conn, &tflags); err != nil {
		t.Fatalf("transmit flags: %v", err)
	}
	if tflags&transmitFlagReadOnly == 0 {
		t.Fatalf("expected read-only transmission flag")
	}

	// One NBD_CMD_READ for the whole export.
	if err := writeUint32(conn, requestMagic); err != nil {
		t.Fatal(err)
	}
	if err := writeUint16(conn, 0); err != nil {
		t.Fatal(err)
	}
	if err := writeUint16(conn, cmdRead); err != nil {
		t.Fatal(err)
	}
	handle := uint64(0x1122334455667788)
	if err := writeUint64(conn, handle); err != nil {
		t.Fatal(err)
	}
	if err := writeUint64(conn, 0); err != nil {
		t.Fatal(err)
	}
	if err := writeUint32(conn, uint32(v.Size)); err != nil {
		t.Fatal(err)
	}

	var replyMagic, errCode uint32
	var replyHandle uint64
	if err := readUint32(conn, &replyMagic); err != nil || replyMagic != simpleReplyMagic {
		t.Fatalf("reply magic: %v %#x", err, replyMagic)
	}
	if err := readUint32(conn, &errCode); err != nil || errCode != errOK {
		t.Fatalf("reply error: %v %d", err, errCode)
	}
	if err := readUint64(conn, &replyHandle); err != nil || replyHandle != handle {
		t.Fatalf("reply handle: %v %#x", err, replyHandle)
	}
	data := make([]byte, v.Size)
	if _, err := readFull(conn, data); err != nil {
		t.Fatalf("read data: %v", err)
	}
	want := append(bytes.Repeat([]byte{0xAA}, 16), bytes.Repeat([]byte{0xBB}, 16)...)
	if !bytes.Equal(data, want) {
		t.Fatalf("data mismatch")
	}

	// Tolerate immediate disconnect: close the connection without sending
	// NBD_CMD_DISC, mirroring the broken-client workaround spec.md §4.13
	// calls for.
	conn.Close()
	cancel()
	<-done
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
