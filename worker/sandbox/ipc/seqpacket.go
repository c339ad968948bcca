package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// SegmentSize is the size of every wire unit but the last of a message.
const SegmentSize = 1024

// the first segment starts with the message length
const headerSize = 4

// SeqPacket frames messages over a connected SOCK_SEQPACKET socket. A
// message is a 4-byte big-endian length followed by the payload, cut
// into SegmentSize units. A unit shorter than SegmentSize ends the
// message; the length header covers messages that end exactly on a
// unit boundary, so no empty unit is ever sent (a zero-length read is
// EOF on this socket type).
type SeqPacket struct {
	conn   *net.UnixConn
	maxMsg int
	seg    []byte
}

// NewPair creates a connected socket pair. The first end is ready for
// use; the second is meant to be inherited by the worker process.
func NewPair(maxMsg int) (*SeqPacket, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	local := os.NewFile(uintptr(fds[0]), "wdog-ipc")
	remote := os.NewFile(uintptr(fds[1]), "wdog-ipc-worker")

	// FileConn dups the descriptor, so the original is closed either way
	sp, err := FromFile(local, maxMsg)
	local.Close()
	if err != nil {
		remote.Close()
		return nil, nil, err
	}
	return sp, remote, nil
}

// FromFile wraps an inherited socket, e.g. fd 3 in the worker.
func FromFile(f *os.File, maxMsg int) (*SeqPacket, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("FileConn %s: %w", f.Name(), err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("%s is not a unix socket (%T)", f.Name(), c)
	}
	return &SeqPacket{
		conn:   uc,
		maxMsg: maxMsg,
		seg:    make([]byte, SegmentSize),
	}, nil
}

func (s *SeqPacket) Send(msg []byte) error {
	if len(msg) > s.maxMsg {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(msg), s.maxMsg)
	}

	wire := make([]byte, headerSize+len(msg))
	binary.BigEndian.PutUint32(wire, uint32(len(msg)))
	copy(wire[headerSize:], msg)

	for off := 0; off < len(wire); off += SegmentSize {
		end := min(off+SegmentSize, len(wire))
		if _, err := s.conn.Write(wire[off:end]); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (s *SeqPacket) Recv() ([]byte, error) {
	var wire []byte
	want := -1

	for {
		n, err := s.conn.Read(s.seg)
		if err != nil {
			return nil, mapErr(err)
		}
		if n == 0 {
			return nil, io.EOF
		}
		wire = append(wire, s.seg[:n]...)

		if want < 0 {
			if len(wire) < headerSize {
				return nil, fmt.Errorf("%w: %d byte first segment", ErrProtocol, len(wire))
			}
			want = int(binary.BigEndian.Uint32(wire))
			if want > s.maxMsg {
				return nil, fmt.Errorf("%w: peer announced %d > %d", ErrTooLarge, want, s.maxMsg)
			}
		}

		got := len(wire) - headerSize
		if got == want {
			return wire[headerSize:], nil
		}
		if got > want {
			return nil, fmt.Errorf("%w: %d bytes for a %d byte message", ErrProtocol, got, want)
		}
		if n < SegmentSize {
			return nil, fmt.Errorf("%w: short segment at %d of %d bytes", ErrProtocol, got, want)
		}
	}
}

func (s *SeqPacket) Close() error {
	return s.conn.Close()
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
		return io.EOF
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	}
	return err
}
