//go:build linux
// +build linux

package netsock

import (
	"errors"
	"net"

	"github.com/cachemir/kvdaemon/pkg/conn"

	"golang.org/x/sys/unix"
)

func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// Read performs one non-blocking read directly on the fd, translating
// EAGAIN into conn.ErrWouldBlock so conn.Connection's isWouldBlock check
// recognises it without depending on this package.
func (s *Socket) Read(p []byte) (int, error) {
	var n int
	var opErr error
	ctrlErr := s.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true // single attempt: EAGAIN is reported, not waited out
	})
	if ctrlErr != nil {
		if errors.Is(ctrlErr, net.ErrClosed) {
			return 0, ErrClosed
		}
		return 0, ctrlErr
	}
	if opErr == unix.EAGAIN {
		return 0, conn.ErrWouldBlock
	}
	return n, opErr
}

// Write performs one non-blocking write directly on the fd, same
// EAGAIN-translation as Read.
func (s *Socket) Write(p []byte) (int, error) {
	var n int
	var opErr error
	ctrlErr := s.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), p)
		return true // single attempt: EAGAIN is reported, not waited out
	})
	if ctrlErr != nil {
		if errors.Is(ctrlErr, net.ErrClosed) {
			return 0, ErrClosed
		}
		return 0, ctrlErr
	}
	if opErr == unix.EAGAIN {
		return 0, conn.ErrWouldBlock
	}
	return n, opErr
}
