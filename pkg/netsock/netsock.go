// Package netsock adapts an accepted net.Conn into the raw, non-blocking
// fd-based Socket the reactor-driven worker loop needs: conn.Connection
// talks to conn.Socket (plain Read/Write/Close), while internal/worker
// needs the underlying file descriptor to register with pkg/reactor's
// epoll. Grounded on xDarkicex-zippy's SyscallConn().Control(...) raw-fd
// extraction (zippy.go's SpliceConn), generalised from a one-shot splice
// call to a persistent non-blocking Read/Write pair driven by our own
// epoll loop rather than the Go runtime's netpoller.
package netsock

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrClosed is returned by Read/Write once the socket's fd has been
// closed, matching conn.Connection's isWouldBlock/closing branch split.
var ErrClosed = errors.New("netsock: use of closed socket")

// Socket wraps one accepted connection's raw fd for non-blocking I/O
// under external (epoll) readiness notification.
type Socket struct {
	conn net.Conn
	raw  syscall.RawConn
	fd   int
}

// New extracts the raw fd from c (which must implement syscall.Conn, as
// every net.TCPConn/net.UnixConn does) and puts it in non-blocking mode.
func New(c net.Conn) (*Socket, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("netsock: %T does not support raw fd access", c)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("netsock: SyscallConn: %w", err)
	}

	var fd int
	ctrlErr := raw.Control(func(p uintptr) { fd = int(p) })
	if ctrlErr != nil {
		return nil, fmt.Errorf("netsock: Control: %w", ctrlErr)
	}

	if err := setNonblock(fd); err != nil {
		return nil, fmt.Errorf("netsock: setNonblock: %w", err)
	}

	return &Socket{conn: c, raw: raw, fd: fd}, nil
}

// Fd returns the raw file descriptor, for pkg/reactor registration.
func (s *Socket) Fd() int { return s.fd }

// Close closes the underlying connection. It does not touch the reactor:
// the owning worker deregisters the fd after the connection reports
// itself closed, that is, after Close has run.
func (s *Socket) Close() error { return s.conn.Close() }
