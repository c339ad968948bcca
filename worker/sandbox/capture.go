package sandbox

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// grow pipes so a chatty module rarely blocks before the drain
const capturePipeSize = 1 << 20

const truncatedMark = "\n...[output truncated]\n"

// Capture owns the stdout and stderr pipes of one worker. The read ends
// are non-blocking and read directly, so a drain never waits on the
// worker; the write ends are handed to the worker.
type Capture struct {
	mu     sync.Mutex
	outR   int
	errR   int
	OutW   *os.File
	ErrW   *os.File
	limit  int
	closed bool
}

func NewCapture(limit int) (*Capture, error) {
	outR, outW, err := nonblockingPipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := nonblockingPipe()
	if err != nil {
		unix.Close(outR)
		outW.Close()
		return nil, err
	}

	return &Capture{
		outR:  outR,
		errR:  errR,
		OutW:  outW,
		ErrW:  errW,
		limit: limit,
	}, nil
}

func nonblockingPipe() (int, *os.File, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, nil, fmt.Errorf("pipe2: %w", err)
	}
	if err := unix.SetNonblock(p[0], true); err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return -1, nil, fmt.Errorf("set nonblock: %w", err)
	}
	// best effort; unprivileged callers may be capped by pipe-max-size
	unix.FcntlInt(uintptr(p[0]), unix.F_SETPIPE_SZ, capturePipeSize)

	return p[0], os.NewFile(uintptr(p[1]), "wdog-capture"), nil
}

// CloseWriters drops our copies of the write ends once a child process
// holds its own.
func (c *Capture) CloseWriters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OutW != nil {
		c.OutW.Close()
		c.OutW = nil
	}
	if c.ErrW != nil {
		c.ErrW.Close()
		c.ErrW = nil
	}
}

// Drain returns everything written since the last drain.
func (c *Capture) Drain() (stdout, stderr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ""
	}
	return readAvailable(c.outR, c.limit), readAvailable(c.errR, c.limit)
}

// Discard throws away anything pending.
func (c *Capture) Discard() {
	c.Drain()
}

func (c *Capture) Close() {
	c.CloseWriters()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	unix.Close(c.outR)
	unix.Close(c.errR)
}

// readAvailable reads until the pipe is empty. Bytes past limit are
// consumed and dropped so they cannot show up in a later drain.
func readAvailable(fd int, limit int) string {
	var sb strings.Builder
	buf := make([]byte, 64*1024)
	truncated := false

	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			break
		}
		room := limit - sb.Len()
		if room <= 0 {
			truncated = true
			continue
		}
		if n > room {
			n = room
			truncated = true
		}
		sb.Write(buf[:n])
	}

	if truncated {
		sb.WriteString(truncatedMark)
	}
	return sb.String()
}
