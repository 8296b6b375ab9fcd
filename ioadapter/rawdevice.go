// ioadapter/rawdevice.go
//
// rbd, rbdaio, and iscsi adapters. Their wire protocols are explicitly out
// of scope (spec.md §1: "no reimplementation of RBD/iSCSI wire protocols");
// what belongs in this module is URI parsing and satisfying the Source
// interface, with the actual device I/O delegated to a RawDevice the
// caller supplies — in production, backed by librbd or open-iscsi bindings
// that live outside this module, per SPEC_FULL.md §4.1.
package ioadapter

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// RawDevice is the device-level I/O surface a production librbd/iscsi
// binding must implement for the rbd/rbdaio/iscsi adapters to use it.
type RawDevice interface {
	Size(ctx context.Context) (int64, error)
	ReadAt(ctx context.Context, p []byte, offset int64) (int, error)
	WriteAt(ctx context.Context, p []byte, offset int64) (int, error)
	Discard(ctx context.Context, offset, length int64) error
	// DiffHints returns the device's changed-region diff, if any (e.g. the
	// output of `rbd diff --format=json`), or nil if none is available.
	DiffHints(ctx context.Context) ([]HintRegion, error)
	Close() error
}

// RawDeviceDialer opens a RawDevice for a parsed URI. Production builds
// register one backed by librbd/open-iscsi; tests register one backed by
// an in-memory buffer.
type RawDeviceDialer func(ctx context.Context, rawURI string, mode OpenMode) (RawDevice, error)

var (
	rbdDialer   RawDeviceDialer
	iscsiDialer RawDeviceDialer
)

// SetRBDDialer installs the RawDeviceDialer used by the rbd and rbdaio
// schemes. Must be called once at process startup before any rbd:/rbdaio:
// URI is opened.
func SetRBDDialer(d RawDeviceDialer) { rbdDialer = d }

// SetISCSIDialer installs the RawDeviceDialer used by the iscsi scheme.
func SetISCSIDialer(d RawDeviceDialer) { iscsiDialer = d }

func init() {
	Register("rbd", openRBD)
	Register("rbdaio", openRBDAIO)
	Register("iscsi", openISCSI)
}

// rbdParams holds the pool/image and Ceph query-string settings parsed
// from an rbd:// or rbdaio:// URI, e.g.
// "rbd://pool/image?conf=/etc/ceph/ceph.conf&user=admin".
type rbdParams struct {
	pool, image string
	confPath    string
	user        string
}

func parseRBDURI(rawURI string) (rbdParams, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return rbdParams{}, fmt.Errorf("ioadapter: rbd: %w", err)
	}
	p := rbdParams{
		pool:     u.Host,
		image:    trimLeadingSlash(u.Path),
		confPath: u.Query().Get("conf"),
		user:     u.Query().Get("user"),
	}
	if p.pool == "" || p.image == "" {
		return rbdParams{}, fmt.Errorf("ioadapter: rbd: %q: expected rbd://pool/image", rawURI)
	}
	return p, nil
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

type rbdSource struct {
	dev RawDevice
}

func openRBD(ctx context.Context, rawURI string, mode OpenMode) (Source, error) {
	if _, err := parseRBDURI(rawURI); err != nil {
		return nil, err
	}
	if rbdDialer == nil {
		return nil, fmt.Errorf("ioadapter: rbd: no RawDeviceDialer registered (call SetRBDDialer)")
	}
	dev, err := rbdDialer(ctx, rawURI, mode)
	if err != nil {
		return nil, fmt.Errorf("ioadapter: rbd: %w", err)
	}
	return &rbdSource{dev: dev}, nil
}

// rbdaioParams extends rbdParams with a worker count; the only difference
// between rbd: and rbdaio: per SPEC_FULL.md §4.1.
func parseSimultaneousReads(rawURI string) (int, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return 0, err
	}
	v := u.Query().Get("simultaneousReads")
	if v == "" {
		return 1, nil
	}
	return strconv.Atoi(v)
}

type rbdaioSource struct {
	dev               RawDevice
	simultaneousReads int
}

func openRBDAIO(ctx context.Context, rawURI string, mode OpenMode) (Source, error) {
	if _, err := parseRBDURI(rawURI); err != nil {
		return nil, err
	}
	n, err := parseSimultaneousReads(rawURI)
	if err != nil {
		return nil, fmt.Errorf("ioadapter: rbdaio: simultaneousReads: %w", err)
	}
	if rbdDialer == nil {
		return nil, fmt.Errorf("ioadapter: rbdaio: no RawDeviceDialer registered (call SetRBDDialer)")
	}
	dev, err := rbdDialer(ctx, rawURI, mode)
	if err != nil {
		return nil, fmt.Errorf("ioadapter: rbdaio: %w", err)
	}
	return &rbdaioSource{dev: dev, simultaneousReads: n}, nil
}

// SimultaneousReads reports the configured concurrent-read worker count
// for this rbdaio source.
func (s *rbdaioSource) SimultaneousReads() int { return s.simultaneousReads }

func (s *rbdaioSource) Size(ctx context.Context) (int64, error)  { return s.dev.Size(ctx) }
func (s *rbdaioSource) BlockSizeHint() int64                     { return 4 << 20 }
func (s *rbdaioSource) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return s.dev.ReadAt(ctx, p, offset)
}
func (s *rbdaioSource) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return s.dev.WriteAt(ctx, p, offset)
}
func (s *rbdaioSource) Discard(ctx context.Context, offset, length int64) error {
	return s.dev.Discard(ctx, offset, length)
}
func (s *rbdaioSource) Hints(ctx context.Context) (Hints, error) {
	return deviceHints(ctx, s.dev)
}
func (s *rbdaioSource) Close() error { return s.dev.Close() }

func (s *rbdSource) Size(ctx context.Context) (int64, error) { return s.dev.Size(ctx) }
func (s *rbdSource) BlockSizeHint() int64                    { return 4 << 20 }
func (s *rbdSource) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return s.dev.ReadAt(ctx, p, offset)
}
func (s *rbdSource) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return s.dev.WriteAt(ctx, p, offset)
}
func (s *rbdSource) Discard(ctx context.Context, offset, length int64) error {
	return s.dev.Discard(ctx, offset, length)
}
func (s *rbdSource) Hints(ctx context.Context) (Hints, error) {
	return deviceHints(ctx, s.dev)
}
func (s *rbdSource) Close() error { return s.dev.Close() }

func deviceHints(ctx context.Context, dev RawDevice) (Hints, error) {
	regions, err := dev.DiffHints(ctx)
	if err != nil {
		return nil, err
	}
	if regions == nil {
		return nil, nil
	}
	return NewSliceHints(regions), nil
}

// iscsiParams holds the target IQN and LUN parsed from an iscsi:// URI,
// e.g. "iscsi://10.0.0.1:3260/iqn.2024-01.com.example:target/0".
type iscsiParams struct {
	target string
	lun    int
}

func parseISCSIURI(rawURI string) (iscsiParams, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return iscsiParams{}, fmt.Errorf("ioadapter: iscsi: %w", err)
	}
	path := trimLeadingSlash(u.Path)
	if path == "" {
		return iscsiParams{}, fmt.Errorf("ioadapter: iscsi: %q: expected iscsi://host/target/lun", rawURI)
	}
	lun := 0
	target := path
	if i := lastSlash(path); i >= 0 {
		target = path[:i]
		if n, err := strconv.Atoi(path[i+1:]); err == nil {
			lun = n
		}
	}
	return iscsiParams{target: target, lun: lun}, nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

type iscsiSource struct {
	dev RawDevice
}

func openISCSI(ctx context.Context, rawURI string, mode OpenMode) (Source, error) {
	if _, err := parseISCSIURI(rawURI); err != nil {
		return nil, err
	}
	if iscsiDialer == nil {
		return nil, fmt.Errorf("ioadapter: iscsi: no RawDeviceDialer registered (call SetISCSIDialer)")
	}
	dev, err := iscsiDialer(ctx, rawURI, mode)
	if err != nil {
		return nil, fmt.Errorf("ioadapter: iscsi: %w", err)
	}
	return &iscsiSource{dev: dev}, nil
}

func (s *iscsiSource) Size(ctx context.Context) (int64, error) { return s.dev.Size(ctx) }
func (s *iscsiSource) BlockSizeHint() int64                    { return 0 }
func (s *iscsiSource) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return s.dev.ReadAt(ctx, p, offset)
}
func (s *iscsiSource) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return s.dev.WriteAt(ctx, p, offset)
}
func (s *iscsiSource) Discard(ctx context.Context, offset, length int64) error {
	return s.dev.Discard(ctx, offset, length)
}
func (s *iscsiSource) Hints(ctx context.Context) (Hints, error) {
	return deviceHints(ctx, s.dev)
}
func (s *iscsiSource) Close() error { return s.dev.Close() }
