package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	u "github.com/benji-backup/benji/util"
)

// DefaultListenAddr matches spec.md §4.13's "binds to 127.0.0.1 by
// default"; anything else logs a warning since NBD's wire protocol has no
// authentication of its own.
const DefaultListenAddr = "127.0.0.1:10809"

// ExportLookup resolves an export name presented during NBD_OPT_EXPORT_NAME
// to a concrete Export. Server does not own export lifetime: the caller
// decides how exports map to Versions (typically one name per Version
// UID) and whether each is read-only or read-write.
type ExportLookup func(ctx context.Context, name string) (*Export, error)

// Server is a single hand-rolled NBD newstyle server, per spec.md §4.13:
// "standard NBD newstyle handshake, fixed newstyle option negotiation,
// NBD_CMD_READ/WRITE/DISC/FLUSH". Grounded on net+encoding/binary directly
// since no NBD server library appears anywhere in the retrieved corpus.
type Server struct {
	Lookup ExportLookup
	Log    *u.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer returns a Server that resolves export names via lookup.
func NewServer(lookup ExportLookup, log *u.Logger) *Server {
	return &Server{Lookup: lookup, Log: log}
}

// ListenAndServe binds addr (DefaultListenAddr if empty) and serves
// connections until ctx is cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultListenAddr
	}
	if !isLoopback(addr) {
		s.Log.Warning("nbd: listening on %s, not loopback; the NBD wire protocol has no authentication", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nbd: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on an already-bound listener until ctx is
// cancelled or Close is called, split out from ListenAndServe so callers
// (and tests) that need the bound address before accepting can create the
// listener themselves.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("nbd: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	exp, err := s.negotiate(ctx, conn)
	if err != nil {
		// A workaround for broken clients that disconnect immediately
		// after option negotiation, per spec.md §4.13: an EOF here is not
		// a hard error, just an unused connection going away.
		if !errors.Is(err, io.EOF) {
			s.Log.Debug("nbd: negotiate: %v", err)
		}
		return
	}
	if exp == nil {
		return // client sent NBD_OPT_ABORT
	}
	defer exp.Close()

	if err := s.transmit(ctx, conn, exp); err != nil && !errors.Is(err, io.EOF) {
		s.Log.Debug("nbd: transmit: %v", err)
	}

	if !exp.ReadOnly {
		cow, err := exp.Fixate(ctx)
		if err != nil {
			s.Log.Error("nbd: fixate %s: %v", exp.Version.UID, err)
		} else if cow != nil {
			s.Log.Print("nbd: fixated %s into %s (snapshot %s)", exp.Version.UID, cow.UID, cow.Snapshot)
		}
	}
}

// negotiate runs the fixed newstyle handshake and returns the negotiated
// Export, or nil if the client aborted cleanly.
func (s *Server) negotiate(ctx context.Context, conn net.Conn) (*Export, error) {
	if err := writeUint64(conn, magicNBD); err != nil {
		return nil, err
	}
	if err := writeUint64(conn, optionMagic); err != nil {
		return nil, err
	}
	flags := flagFixedNewstyle | flagNoZeroes
	if err := writeUint16(conn, flags); err != nil {
		return nil, err
	}

	var clientFlags uint32
	if err := readUint32(conn, &clientFlags); err != nil {
		return nil, err
	}
	noZeroes := clientFlags&clientFlagNoZeroes != 0

	for {
		var magic uint64
		if err := readUint64(conn, &magic); err != nil {
			return nil, err
		}
		if magic != optionMagic {
			return nil, fmt.Errorf("nbd: bad option magic %#x", magic)
		}
		var opt, length uint32
		if err := readUint32(conn, &opt); err != nil {
			return nil, err
		}
		if err := readUint32(conn, &length); err != nil {
			return nil, err
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return nil, err
		}

		switch opt {
		case optExportName:
			name := string(data)
			exp, err := s.Lookup(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("nbd: export %q: %w", name, err)
			}
			return exp, s.replyExportName(conn, exp, noZeroes)
		case optAbort:
			return nil, nil
		default:
			if err := s.replyOptionError(conn, opt); err != nil {
				return nil, err
			}
		}
	}
}

func (s *Server) replyExportName(conn net.Conn, exp *Export, noZeroes bool) error {
	if err := writeUint64(conn, uint64(exp.Size())); err != nil {
		return err
	}
	tflags := transmitFlagHasFlags | transmitFlagSendFlush
	if exp.ReadOnly {
		tflags |= transmitFlagReadOnly
	}
	if err := writeUint16(conn, tflags); err != nil {
		return err
	}
	if !noZeroes {
		if _, err := conn.Write(make([]byte, 124)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) replyOptionError(conn net.Conn, opt uint32) error {
	if err := writeUint64(conn, optionMagic); err != nil {
		return err
	}
	if err := writeUint32(conn, opt); err != nil {
		return err
	}
	if err := writeUint32(conn, repErrUnsup); err != nil {
		return err
	}
	return writeUint32(conn, 0)
}

// transmit runs the request/reply loop until the client disconnects or
// sends NBD_CMD_DISC, per spec.md §4.13.
func (s *Server) transmit(ctx context.Context, conn net.Conn, exp *Export) error {
	for {
		var magic uint32
		if err := readUint32(conn, &magic); err != nil {
			return err
		}
		if magic != requestMagic {
			return fmt.Errorf("nbd: bad request magic %#x", magic)
		}
		var cflags uint16
		if err := readUint16(conn, &cflags); err != nil {
			return err
		}
		var cmd uint16
		if err := readUint16(conn, &cmd); err != nil {
			return err
		}
		var handle uint64
		if err := readUint64(conn, &handle); err != nil {
			return err
		}
		var offset uint64
		if err := readUint64(conn, &offset); err != nil {
			return err
		}
		var length uint32
		if err := readUint32(conn, &length); err != nil {
			return err
		}

		switch cmd {
		case cmdRead:
			data, err := exp.ReadAt(ctx, int64(offset), int64(length))
			if err != nil {
				s.Log.Error("nbd: read %s @%d+%d: %v", exp.Version.UID, offset, length, err)
				if err := s.replySimple(conn, errIO, handle, nil); err != nil {
					return err
				}
				continue
			}
			if err := s.replySimple(conn, errOK, handle, data); err != nil {
				return err
			}
		case cmdWrite:
			data := make([]byte, length)
			if _, err := io.ReadFull(conn, data); err != nil {
				return err
			}
			errCode := errOK
			if err := exp.WriteAt(ctx, int64(offset), data); err != nil {
				s.Log.Error("nbd: write %s @%d+%d: %v", exp.Version.UID, offset, length, err)
				errCode = errIO
			}
			if err := s.replySimple(conn, errCode, handle, nil); err != nil {
				return err
			}
		case cmdFlush:
			if err := s.replySimple(conn, errOK, handle, nil); err != nil {
				return err
			}
		case cmdDisc:
			return nil
		case cmdTrim:
			if err := s.replySimple(conn, errNoSys, handle, nil); err != nil {
				return err
			}
		default:
			if err := s.replySimple(conn, errNoSys, handle, nil); err != nil {
				return err
			}
		}
	}
}

func (s *Server) replySimple(conn net.Conn, errCode uint32, handle uint64, data []byte) error {
	if err := writeUint32(conn, simpleReplyMagic); err != nil {
		return err
	}
	if err := writeUint32(conn, errCode); err != nil {
		return err
	}
	if err := writeUint64(conn, handle); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := conn.Write(data)
	return err
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader, v *uint16) error {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = binary.BigEndian.Uint16(b[:])
	return nil
}

func readUint32(r io.Reader, v *uint32) error {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = binary.BigEndian.Uint32(b[:])
	return nil
}

func readUint64(r io.Reader, v *uint64) error {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = binary.BigEndian.Uint64(b[:])
	return nil
}

// ExportNameFromVersion is the naming convention ExportLookup
// implementations are expected to use: the Version UID itself, optionally
// suffixed for a read-write/read-only variant selector (left to the
// caller, e.g. cmd/benji's "nbd" subcommand).
func ExportNameFromVersion(versionUID string) string {
	return strings.TrimSpace(versionUID)
}
